// Package apikey validates client API keys. Keys live in
// ~/.relaybridge/apikeys.yaml and are hot-reloaded by the config watcher.
// The relay consumes only Validate; everything else is CLI surface.
package apikey

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingKey  = errors.New("missing api key")
	ErrUnknownKey  = errors.New("unknown api key")
	ErrKeyDisabled = errors.New("api key disabled")
)

// Key is one client credential. The secret itself is the YAML map key;
// the record carries the id the usage log attributes requests to.
type Key struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Store is the yaml-backed key set.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*Key
	path string
}

type storeFile struct {
	Keys map[string]*Key `yaml:"keys"`
}

// NewStore loads apikeys.yaml. A missing file yields an empty store.
func NewStore(path string) (*Store, error) {
	s := &Store{keys: make(map[string]*Key), path: path}
	if err := s.loadFromFile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadFromFile() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading api keys %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var file storeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing api keys %s: %w", s.path, err)
	}

	keys := make(map[string]*Key, len(file.Keys))
	for secret, k := range file.Keys {
		if k == nil {
			continue
		}
		keys[secret] = k
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

// Reload re-reads apikeys.yaml. Called by the config watcher.
func (s *Store) Reload() error {
	return s.loadFromFile()
}

// Validate checks an Authorization header (or x-api-key value) and
// returns the key id on success. Accepts "Bearer <key>" and bare keys.
func (s *Store) Validate(authorization string) (string, error) {
	secret := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if secret == "" {
		return "", ErrMissingKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[secret]
	if !ok {
		return "", ErrUnknownKey
	}
	if k.Disabled {
		return "", ErrKeyDisabled
	}
	return k.ID, nil
}

// List returns key ids and names, never the secrets.
func (s *Store) List() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Empty reports whether no keys are configured. When empty, the relay
// runs open — useful for local single-user setups.
func (s *Store) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys) == 0
}
