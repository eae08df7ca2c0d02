// Package config handles loading, validating, and writing the RelayBridge
// configuration from ~/.relaybridge/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Relay behavior (upstream timeout, header allowlist)
//   - Translation settings (translator account, model, cache)
//   - Pricing table for cost accounting
//   - Dashboard toggle
//
// Accounts and API keys live in separate files (accounts.yaml,
// apikeys.yaml) so they can be hot-reloaded and secured independently.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level RelayBridge configuration, loaded with
// defaults for anything not explicitly set.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Relay       RelayConfig          `yaml:"relay"`
	Translation TranslationConfig    `yaml:"translation"`
	Pricing     map[string]ModelRate `yaml:"pricing"`
	Dashboard   DashboardConfig      `yaml:"dashboard"`
}

// ServerConfig defines where the relay listens.
// Default: 127.0.0.1:3200 (loopback only — never bind to 0.0.0.0).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RelayConfig controls upstream dispatch.
//
// RequestTimeoutMs bounds the whole upstream call including a streamed
// body; streaming responses routinely run minutes, hence the 10-minute
// default. HeaderAllowlist is a list of glob patterns over incoming
// header names; only matching headers are forwarded upstream.
type RelayConfig struct {
	RequestTimeoutMs int      `yaml:"requestTimeoutMs"`
	HeaderAllowlist  []string `yaml:"headerAllowlist"`
}

// TranslationConfig controls the bidirectional translation subsystem.
// Translation runs only when Enabled is true here AND the serving
// account opts in.
type TranslationConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AccountID     string `yaml:"accountId"`
	Model         string `yaml:"model"`
	CacheSize     int    `yaml:"cacheSize"`
	CacheTTLHours int    `yaml:"cacheTTLHours"`
	MaxTokens     int    `yaml:"maxTokens"`
}

// ModelRate is the cost per million tokens for one model pattern (glob).
type ModelRate struct {
	InputPerM       float64 `yaml:"inputPerM"`
	OutputPerM      float64 `yaml:"outputPerM"`
	CachedReadPerM  float64 `yaml:"cachedReadPerM"`
	CacheCreatePerM float64 `yaml:"cacheCreatePerM"`
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with a comment header. Used
// by `relaybridge config generate` when no config file exists yet.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# RelayBridge Configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#
# relay:
#   requestTimeoutMs: Upstream request timeout (default: 600000)
#   headerAllowlist: Glob patterns over header names forwarded upstream
#
# translation:
#   enabled: Global translation toggle (per-account opt-in still applies)
#   accountId: Account used for translation calls (required when enabled)
#   model: Translation model (default: qwen3-8b)
#   cacheSize / cacheTTLHours / maxTokens: Translation cache and call limits
#
# pricing:
#   <model-glob>: {inputPerM, outputPerM, cachedReadPerM, cacheCreatePerM}
#
# dashboard:
#   enabled: Serve web UI at /dashboard on the same port
#
# Accounts go in accounts.yaml, client API keys in apikeys.yaml.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with every field at its default value.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Relay: RelayConfig{
			RequestTimeoutMs: 600000,
			HeaderAllowlist: []string{
				"accept",
				"accept-language",
				"anthropic-*",
				"content-type",
				"openai-*",
				"x-api-key",
				"x-request-id",
				"session_id",
			},
		},
		Translation: TranslationConfig{
			Enabled:       false,
			Model:         "qwen3-8b",
			CacheSize:     1000,
			CacheTTLHours: 24,
			MaxTokens:     4096,
		},
		Pricing: map[string]ModelRate{
			"claude-*": {InputPerM: 3.0, OutputPerM: 15.0, CachedReadPerM: 0.3, CacheCreatePerM: 3.75},
			"gpt-4*":   {InputPerM: 2.5, OutputPerM: 10.0, CachedReadPerM: 1.25},
			"*":        {InputPerM: 1.0, OutputPerM: 3.0},
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Relay.RequestTimeoutMs < 0 {
		return fmt.Errorf("relay.requestTimeoutMs must be non-negative")
	}
	if cfg.Translation.Enabled && cfg.Translation.AccountID == "" {
		return fmt.Errorf("translation.accountId is required when translation.enabled is true")
	}
	if cfg.Translation.CacheSize < 0 {
		return fmt.Errorf("translation.cacheSize must be non-negative")
	}
	if cfg.Translation.CacheTTLHours < 0 {
		return fmt.Errorf("translation.cacheTTLHours must be non-negative")
	}
	for pattern, rate := range cfg.Pricing {
		if rate.InputPerM < 0 || rate.OutputPerM < 0 || rate.CachedReadPerM < 0 || rate.CacheCreatePerM < 0 {
			return fmt.Errorf("pricing %q: rates must be non-negative", pattern)
		}
	}
	return nil
}
