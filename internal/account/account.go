// Package account manages the upstream provider account pool.
//
// Accounts are loaded from ~/.relaybridge/accounts.yaml and hold the
// credentials and policy the relay needs: base API URL, API key, optional
// proxy and User-Agent overrides, a daily quota, and the per-account
// translation settings. The file is the source of truth; the in-memory
// store is reloaded by the config watcher when the file changes, so
// editing accounts.yaml takes effect without restarting the relay.
package account

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Account is one upstream provider account. The relay reads a snapshot of
// these fields once per request and never mutates the struct it handed out.
type Account struct {
	ID           string  `yaml:"-" json:"id"`
	Provider     string  `yaml:"provider" json:"provider"`
	BaseAPI      string  `yaml:"base_api" json:"base_api"`
	APIKey       string  `yaml:"api_key" json:"-"`
	UserAgent    string  `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
	Proxy        string  `yaml:"proxy,omitempty" json:"proxy,omitempty"`
	DailyQuota   float64 `yaml:"daily_quota,omitempty" json:"daily_quota,omitempty"`
	DefaultModel string  `yaml:"default_model,omitempty" json:"default_model,omitempty"`

	// EnableTranslation accepts both a YAML boolean and a quoted string
	// because operators have written all of true/"true"/"false" in the
	// wild. TranslationEnabled() is the only reader.
	EnableTranslation     any    `yaml:"enable_translation,omitempty" json:"enable_translation,omitempty"`
	TranslationSourceLang string `yaml:"translation_source_lang,omitempty" json:"translation_source_lang,omitempty"`
	TranslationTargetLang string `yaml:"translation_target_lang,omitempty" json:"translation_target_lang,omitempty"`

	Status     string    `yaml:"status,omitempty" json:"status,omitempty"`
	LastUsedAt time.Time `yaml:"last_used_at,omitempty" json:"last_used_at,omitempty"`
	QuotaUsed  float64   `yaml:"quota_used,omitempty" json:"quota_used,omitempty"`
}

// TranslationEnabled reports whether this account opts into the
// translation pipeline. Only the boolean true and the exact string
// "true" enable it; every other value, including the string "false",
// disables it. The same rule applies on the request and response paths.
func (a *Account) TranslationEnabled() bool {
	if a == nil {
		return false
	}
	switch v := a.EnableTranslation.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// SourceLang returns the ingress translation source language, defaulting
// to Chinese.
func (a *Account) SourceLang() string {
	if a != nil && a.TranslationSourceLang != "" {
		return a.TranslationSourceLang
	}
	return "zh"
}

// TargetLang returns the ingress translation target language, defaulting
// to English.
func (a *Account) TargetLang() string {
	if a != nil && a.TranslationTargetLang != "" {
		return a.TranslationTargetLang
	}
	return "en"
}

// Resolver looks up an account by id. The relay and the translation
// service both depend on this narrow interface rather than on the store,
// which keeps the translate package free of a dependency cycle.
type Resolver interface {
	Resolve(id string) (*Account, error)
}

// Store is the yaml-backed account pool. Thread-safe: the relay resolves
// accounts from concurrent handler goroutines while the watcher reloads
// and the relay records last-used/quota updates.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	path     string
}

// storeFile is the YAML envelope for accounts.yaml: a top-level
// "accounts" map keyed by account id.
type storeFile struct {
	Accounts map[string]*Account `yaml:"accounts"`
}

// NewStore loads accounts.yaml from the given path. A missing file yields
// an empty store, not an error — the first run has no accounts yet.
func NewStore(path string) (*Store, error) {
	s := &Store{
		accounts: make(map[string]*Account),
		path:     path,
	}
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
		return fmt.Errorf("reading accounts %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var file storeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing accounts %s: %w", s.path, err)
	}

	accounts := make(map[string]*Account, len(file.Accounts))
	for id, acc := range file.Accounts {
		if acc == nil {
			continue
		}
		acc.ID = id
		accounts[id] = acc
	}

	s.mu.Lock()
	s.accounts = accounts
	s.mu.Unlock()
	return nil
}

// Reload re-reads accounts.yaml. Called by the config watcher when the
// file changes on disk.
func (s *Store) Reload() error {
	return s.loadFromFile()
}

// Resolve returns a copy of the account with the given id. The copy means
// a caller can hold the snapshot across a long streaming request without
// seeing concurrent updates.
func (s *Store) Resolve(id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %q not found", id)
	}
	snapshot := *acc
	return &snapshot, nil
}

// List returns all accounts sorted by id.
func (s *Store) List() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		snapshot := *acc
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all account ids sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UpdateLastUsed stamps the account's last-used time and persists.
func (s *Store) UpdateLastUsed(id string, t time.Time) error {
	return s.update(id, func(acc *Account) {
		acc.LastUsedAt = t
	})
}

// SetStatus records an account status ("", "error", "unauthorized", ...)
// and persists.
func (s *Store) SetStatus(id, status string) error {
	return s.update(id, func(acc *Account) {
		acc.Status = status
	})
}

// AddQuotaUsed accumulates cost against the account's daily quota and
// persists. The relay calls this only for accounts with DailyQuota > 0.
func (s *Store) AddQuotaUsed(id string, cost float64) error {
	return s.update(id, func(acc *Account) {
		acc.QuotaUsed += cost
	})
}

func (s *Store) update(id string, fn func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %q not found", id)
	}
	fn(acc)
	return s.saveLocked()
}

// saveLocked writes accounts.yaml. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	file := storeFile{Accounts: s.accounts}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling accounts: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing accounts %s: %w", s.path, err)
	}
	return nil
}

// ValidateForRelay checks the fields the relay needs before dispatching.
func (a *Account) ValidateForRelay() error {
	if a.BaseAPI == "" {
		return fmt.Errorf("account %q: base_api is required", a.ID)
	}
	if !strings.HasPrefix(a.BaseAPI, "http://") && !strings.HasPrefix(a.BaseAPI, "https://") {
		return fmt.Errorf("account %q: base_api must be an absolute URL", a.ID)
	}
	if a.APIKey == "" {
		return fmt.Errorf("account %q: api_key is required", a.ID)
	}
	return nil
}
