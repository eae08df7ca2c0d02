package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific config files
// change. Used for hot-reload of the account pool and API-key set without
// restarting the relay — edit accounts.yaml and the next request sees
// the new pool.
type WatchTargets struct {
	// OnAccountsChange fires when accounts.yaml is written or created.
	OnAccountsChange func()

	// OnAPIKeysChange fires when apikeys.yaml is written or created.
	OnAPIKeysChange func()
}

// Watcher monitors the RelayBridge config directory with fsnotify and
// dispatches file-change callbacks. Runs a background goroutine; call
// Close() to stop it.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given config directory.
// Events are debounced naturally by fsnotify — rapid successive writes
// typically produce a single event.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches the callbacks.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only write and create — remove/rename means the file is
			// being replaced and another event will follow.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			switch filepath.Base(event.Name) {
			case "accounts.yaml":
				slog.Info("accounts.yaml changed, reloading account pool")
				if targets.OnAccountsChange != nil {
					targets.OnAccountsChange()
				}
			case "apikeys.yaml":
				slog.Info("apikeys.yaml changed, reloading api keys")
				if targets.OnAPIKeysChange != nil {
					targets.OnAPIKeysChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the fsnotify watcher.
// Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
