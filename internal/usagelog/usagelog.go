// Package usagelog persists per-request usage records: which API key used
// which account and model, the token buckets, and the computed cost.
//
// Storage layout:
//
//	~/.relaybridge/usage/
//	├── 2026-08-24.jsonl    # Today's records (append-only, source of truth)
//	└── index.db            # SQLite index for fast queries
//
// The JSONL files are authoritative; the SQLite index is a queryable
// projection that can be rebuilt from them. Thread-safe — the relay
// records from concurrent handler goroutines.
package usagelog

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one usage record. Written at end-of-request (or end-of-stream
// for SSE responses).
type Entry struct {
	Timestamp string  `json:"ts"`
	APIKey    string  `json:"api_key"`
	Account   string  `json:"account"`
	Provider  string  `json:"provider,omitempty"`
	Model     string  `json:"model"`
	Stream    bool    `json:"stream,omitempty"`
	Status    int     `json:"status"`

	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedReadTokens  int `json:"cached_read_tokens,omitempty"`
	CacheCreateTokens int `json:"cache_create_tokens,omitempty"`
	ActualInputTokens int `json:"actual_input_tokens"`
	TotalTokens       int `json:"total_tokens"`

	Cost       float64 `json:"cost,omitempty"`
	Translated bool    `json:"translated,omitempty"`
	LatencyMs  int64   `json:"latency_ms,omitempty"`
}

// QueryParams filters usage queries. Zero values mean no filter.
type QueryParams struct {
	APIKey  string
	Account string
	Model   string
	Since   string // RFC3339 timestamp or Go duration string ("24h").
	Limit   int
}

// Totals aggregates a set of records.
type Totals struct {
	Requests          int     `json:"requests"`
	InputTokens       int     `json:"input_tokens"`
	OutputTokens      int     `json:"output_tokens"`
	CachedReadTokens  int     `json:"cached_read_tokens"`
	CacheCreateTokens int     `json:"cache_create_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	Cost              float64 `json:"cost"`
}

// Log is the usage store: daily JSONL files plus a SQLite index.
type Log struct {
	mu       sync.Mutex
	dir      string
	index    *sqliteIndex
	file     *os.File
	fileDate string
}

// Open creates or opens a usage log in dir.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating usage directory %s: %w", dir, err)
	}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening usage index: %w", err)
	}

	l := &Log{dir: dir, index: idx}
	slog.Info("usage log opened", "dir", dir)
	return l, nil
}

// Close flushes and closes the log and index.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.index != nil {
		if err := l.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing usage log: %v", errs)
	}
	return nil
}

// Record appends one usage entry. Failures are logged, never returned —
// a recording problem must not affect the client response.
func (l *Log) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if err := l.writeToFile(&e); err != nil {
		slog.Error("usage write failed", "account", e.Account, "error", err)
		return
	}
	if l.index != nil {
		l.index.insert(&e)
	}
}

// writeToFile appends the entry to today's JSONL file, rotating on date
// change. Caller holds l.mu.
func (l *Log) writeToFile(e *Entry) error {
	today := time.Now().UTC().Format("2006-01-02")
	if l.file == nil || l.fileDate != today {
		if l.file != nil {
			l.file.Close()
		}
		path := filepath.Join(l.dir, today+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening usage file %s: %w", path, err)
		}
		l.file = f
		l.fileDate = today
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling usage entry: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing usage entry: %w", err)
	}
	return nil
}

// Tail returns the N most recent records.
func (l *Log) Tail(limit int) ([]Entry, error) {
	if l.index != nil {
		return l.index.tail(limit)
	}
	return l.readAllEntries(limit)
}

// Query retrieves records matching params via the SQLite index, falling
// back to a JSONL scan if the index is unavailable.
func (l *Log) Query(params QueryParams) ([]Entry, error) {
	if params.Since != "" && !strings.Contains(params.Since, "T") {
		d, err := time.ParseDuration(params.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since duration %q: %w", params.Since, err)
		}
		params.Since = time.Now().UTC().Add(-d).Format(time.RFC3339Nano)
	}

	if l.index != nil {
		return l.index.query(params)
	}
	return l.readAllFiltered(params)
}

// Sum aggregates the records matching params.
func (l *Log) Sum(params QueryParams) (Totals, error) {
	entries, err := l.Query(params)
	if err != nil {
		return Totals{}, err
	}
	var t Totals
	for _, e := range entries {
		t.Requests++
		t.InputTokens += e.InputTokens
		t.OutputTokens += e.OutputTokens
		t.CachedReadTokens += e.CachedReadTokens
		t.CacheCreateTokens += e.CacheCreateTokens
		t.TotalTokens += e.TotalTokens
		t.Cost += e.Cost
	}
	return t, nil
}

// Export writes all records to w in the given format: "jsonl" (default),
// "json", or "csv".
func (l *Log) Export(w io.Writer, format string) error {
	entries, err := l.readAllEntries(0)
	if err != nil {
		return fmt.Errorf("reading usage entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{"ts", "api_key", "account", "provider", "model", "status", "input_tokens", "output_tokens", "cached_read_tokens", "cache_create_tokens", "total_tokens", "cost", "latency_ms"}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				e.Timestamp,
				e.APIKey,
				e.Account,
				e.Provider,
				e.Model,
				fmt.Sprintf("%d", e.Status),
				fmt.Sprintf("%d", e.InputTokens),
				fmt.Sprintf("%d", e.OutputTokens),
				fmt.Sprintf("%d", e.CachedReadTokens),
				fmt.Sprintf("%d", e.CacheCreateTokens),
				fmt.Sprintf("%d", e.TotalTokens),
				fmt.Sprintf("%.6f", e.Cost),
				fmt.Sprintf("%d", e.LatencyMs),
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

// readAllEntries reads records from every JSONL file, newest last. If
// limit > 0, only the last N are returned.
func (l *Log) readAllEntries(limit int) ([]Entry, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing usage files: %w", err)
	}

	var all []Entry
	for _, file := range files {
		entries, err := readEntriesFromFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (l *Log) readAllFiltered(params QueryParams) ([]Entry, error) {
	entries, err := l.readAllEntries(0)
	if err != nil {
		return nil, err
	}

	var filtered []Entry
	for _, e := range entries {
		if params.APIKey != "" && e.APIKey != params.APIKey {
			continue
		}
		if params.Account != "" && e.Account != params.Account {
			continue
		}
		if params.Model != "" && e.Model != params.Model {
			continue
		}
		if params.Since != "" && e.Timestamp < params.Since {
			continue
		}
		filtered = append(filtered, e)
	}
	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[len(filtered)-params.Limit:]
	}
	return filtered, nil
}

func readEntriesFromFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("skipping malformed usage entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
