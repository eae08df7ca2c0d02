// Package scheduler tracks upstream account health and picks the account
// serving each request.
//
// The relay depends on exactly two write operations — MarkRateLimited and
// MarkUnauthorized — expressed by the Callbacks interface. Both are
// fire-and-forget from the relay's perspective: failures are logged here
// and never reach the client.
//
// Selection policy is deliberately minimal (round-robin over healthy
// accounts with session affinity); anything smarter belongs here, not in
// the relay.
package scheduler

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Callbacks is the narrow contract the relay holds on the scheduler.
type Callbacks interface {
	// MarkRateLimited records that the account hit a rate limit.
	// resetsInSeconds of 0 means the provider gave no reset hint.
	MarkRateLimited(accountID, provider, sessionHash string, resetsInSeconds int)

	// MarkUnauthorized records that the account's credentials were
	// rejected. The account is skipped until an operator intervenes.
	MarkUnauthorized(accountID, provider, sessionHash, reason string)
}

// defaultRateLimitCooldown applies when a 429 carries no reset hint.
const defaultRateLimitCooldown = 60 * time.Second

// accountHealth is the persisted per-account state.
type accountHealth struct {
	RateLimitedUntil time.Time `yaml:"rate_limited_until,omitempty" json:"rate_limited_until,omitempty"`
	Unauthorized     bool      `yaml:"unauthorized,omitempty" json:"unauthorized,omitempty"`
	Reason           string    `yaml:"reason,omitempty" json:"reason,omitempty"`
	MarkedAt         time.Time `yaml:"marked_at,omitempty" json:"marked_at,omitempty"`
}

// AccountLister supplies the candidate account ids. Satisfied by the
// account store.
type AccountLister interface {
	IDs() []string
}

// Pool is the concrete scheduler: health map persisted to
// scheduler.yaml plus an in-memory session-affinity table.
//
// Thread-safe — the relay calls Select and the marks from concurrent
// handler goroutines.
type Pool struct {
	mu       sync.RWMutex
	accounts AccountLister
	health   map[string]*accountHealth
	affinity map[string]string // session hash -> account id
	next     int               // round-robin cursor
	path     string            // scheduler.yaml
	now      func() time.Time
}

type poolFile struct {
	Health map[string]*accountHealth `yaml:"health"`
}

// NewPool loads scheduler state from path. A missing file means all
// accounts start healthy.
func NewPool(accounts AccountLister, path string) (*Pool, error) {
	p := &Pool{
		accounts: accounts,
		health:   make(map[string]*accountHealth),
		affinity: make(map[string]string),
		path:     path,
		now:      time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("reading scheduler state %s: %w", path, err)
	}
	if len(data) == 0 {
		return p, nil
	}

	var file poolFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing scheduler state %s: %w", path, err)
	}
	if file.Health != nil {
		p.health = file.Health
	}
	return p, nil
}

// Select returns the account id to serve a request. A non-empty
// sessionHash sticks to the account that served the session before, as
// long as that account is still healthy.
func (p *Pool) Select(sessionHash string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := p.accounts.IDs()
	if len(ids) == 0 {
		return "", fmt.Errorf("no accounts configured")
	}

	if sessionHash != "" {
		if id, ok := p.affinity[sessionHash]; ok && p.healthyLocked(id) {
			return id, nil
		}
	}

	for i := 0; i < len(ids); i++ {
		id := ids[(p.next+i)%len(ids)]
		if p.healthyLocked(id) {
			p.next = (p.next + i + 1) % len(ids)
			if sessionHash != "" {
				p.affinity[sessionHash] = id
			}
			return id, nil
		}
	}
	return "", fmt.Errorf("no healthy accounts available (%d configured)", len(ids))
}

// healthyLocked reports whether id is currently usable. Caller holds p.mu.
func (p *Pool) healthyLocked(id string) bool {
	h, ok := p.health[id]
	if !ok {
		return true
	}
	if h.Unauthorized {
		return false
	}
	if !h.RateLimitedUntil.IsZero() && p.now().Before(h.RateLimitedUntil) {
		return false
	}
	return true
}

// MarkRateLimited implements Callbacks.
func (p *Pool) MarkRateLimited(accountID, provider, sessionHash string, resetsInSeconds int) {
	cooldown := defaultRateLimitCooldown
	if resetsInSeconds > 0 {
		cooldown = time.Duration(resetsInSeconds) * time.Second
	}

	p.mu.Lock()
	h := p.healthEntryLocked(accountID)
	h.RateLimitedUntil = p.now().Add(cooldown)
	h.Reason = "rate limited"
	h.MarkedAt = p.now()
	if sessionHash != "" {
		// The session should fail over to another account next request.
		delete(p.affinity, sessionHash)
	}
	err := p.saveLocked()
	p.mu.Unlock()

	if err != nil {
		slog.Error("persisting scheduler state failed", "error", err)
	}
	slog.Warn("account rate limited",
		"account", accountID,
		"provider", provider,
		"resets_in_s", resetsInSeconds,
	)
}

// MarkUnauthorized implements Callbacks.
func (p *Pool) MarkUnauthorized(accountID, provider, sessionHash, reason string) {
	p.mu.Lock()
	h := p.healthEntryLocked(accountID)
	h.Unauthorized = true
	h.Reason = reason
	h.MarkedAt = p.now()
	if sessionHash != "" {
		delete(p.affinity, sessionHash)
	}
	err := p.saveLocked()
	p.mu.Unlock()

	if err != nil {
		slog.Error("persisting scheduler state failed", "error", err)
	}
	slog.Warn("account unauthorized",
		"account", accountID,
		"provider", provider,
		"reason", reason,
	)
}

// Revive clears all health marks on an account (operator action after
// rotating a key).
func (p *Pool) Revive(accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.health, accountID)
	return p.saveLocked()
}

// Health returns a snapshot of the health map for status displays.
func (p *Pool) Health() map[string]AccountStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]AccountStatus, len(p.health))
	for id, h := range p.health {
		out[id] = AccountStatus{
			RateLimitedUntil: h.RateLimitedUntil,
			Unauthorized:     h.Unauthorized,
			Reason:           h.Reason,
			Healthy:          p.healthyLocked(id),
		}
	}
	return out
}

// AccountStatus is the externally visible health of one account.
type AccountStatus struct {
	RateLimitedUntil time.Time `json:"rate_limited_until,omitempty"`
	Unauthorized     bool      `json:"unauthorized,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	Healthy          bool      `json:"healthy"`
}

func (p *Pool) healthEntryLocked(id string) *accountHealth {
	h, ok := p.health[id]
	if !ok {
		h = &accountHealth{}
		p.health[id] = h
	}
	return h
}

// saveLocked persists the health map. Caller holds p.mu.
func (p *Pool) saveLocked() error {
	data, err := yaml.Marshal(poolFile{Health: p.health})
	if err != nil {
		return fmt.Errorf("marshaling scheduler state: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("writing scheduler state %s: %w", p.path, err)
	}
	return nil
}
