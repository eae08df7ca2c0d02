package translate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaybridge/relaybridge/internal/account"
)

// Failure taxonomy for the translation service. Callers degrade
// gracefully on any of these — a translation error never reaches the
// relay client.
var (
	ErrAccountNotConfigured  = errors.New("translation account not configured")
	ErrAccountNotFound       = errors.New("translation account not found")
	ErrAccountMissingKey     = errors.New("translation account has no api key")
	ErrAccountMissingBaseURL = errors.New("translation account has no base url")
	ErrUnsupportedLanguage   = errors.New("unsupported language pair")
)

// translateTimeout bounds each upstream translation call. Much shorter
// than the relay timeout: a sentence either translates quickly or the
// original text is used.
const translateTimeout = 60 * time.Second

// systemPrompt is the fixed instruction sent with every translation call.
// The placeholder clause is what makes RestoreCodeBlocks a left-inverse
// of ExtractCodeBlocks in practice.
const systemPrompt = `You are a professional translator. Return only the translation with no explanations or commentary. Preserve the original whitespace and line breaks. Any placeholder of the form __CODE_BLOCK_N__ or __INLINE_CODE_N__ must be kept verbatim and in place. Maintain the tone and register of the source text.`

// Config holds the translation service settings from config.yaml.
type Config struct {
	Enabled   bool
	AccountID string
	Model     string
	MaxTokens int
	CacheSize int
	CacheTTL  time.Duration
}

// Service translates single strings between Chinese and English by
// calling an OpenAI-compatible chat endpoint on a dedicated translator
// account. Results are deduplicated through the shared LRU cache.
//
// The account is resolved lazily per call through the Resolver interface,
// so account edits take effect without restarting and the account package
// never needs to know about this one.
type Service struct {
	cfg      Config
	resolver account.Resolver
	cache    *Cache
	client   *http.Client
}

// NewService creates the translation service. The cache is created here
// and shared by all callers of this service instance.
func NewService(cfg Config, resolver account.Resolver) *Service {
	if cfg.Model == "" {
		cfg.Model = "qwen3-8b"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &Service{
		cfg:      cfg,
		resolver: resolver,
		cache:    NewCache(cfg.CacheSize, cfg.CacheTTL),
		client:   &http.Client{Timeout: translateTimeout},
	}
}

// CacheStats exposes the dedup cache counters for the dashboard and CLI.
func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}

// ClearCache drops all cached translations.
func (s *Service) ClearCache() {
	s.cache.Clear()
}

// cacheKey is "trans:" plus the first 16 hex chars of
// SHA-256("src:tgt:text"). 64 bits of prefix is plenty relative to the
// cache capacity, so collisions are tolerated.
func cacheKey(sourceLang, targetLang, text string) string {
	sum := sha256.Sum256([]byte(sourceLang + ":" + targetLang + ":" + text))
	return "trans:" + hex.EncodeToString(sum[:])[:16]
}

func supportedLang(lang string) bool {
	return lang == "zh" || lang == "en"
}

// Translate converts text from sourceLang to targetLang. Empty or
// whitespace-only input and equal language pairs are returned unchanged
// without an upstream call.
func (s *Service) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	if sourceLang == targetLang {
		return text, nil
	}
	if !supportedLang(sourceLang) || !supportedLang(targetLang) {
		return "", fmt.Errorf("%w: %s->%s", ErrUnsupportedLanguage, sourceLang, targetLang)
	}

	key := cacheKey(sourceLang, targetLang, text)
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}

	translated, err := s.callUpstream(ctx, text, sourceLang, targetLang)
	if err != nil {
		return "", err
	}

	translated = strings.TrimSpace(translated)
	s.cache.Set(key, translated)
	return translated, nil
}

// langName expands the language code for the user prompt. The model
// handles codes fine, but full names measurably reduce wrong-direction
// translations on short inputs.
func langName(code string) string {
	switch code {
	case "zh":
		return "Chinese"
	case "en":
		return "English"
	default:
		return code
	}
}

// callUpstream issues one chat-completion request to the translator
// account and extracts the assistant text.
func (s *Service) callUpstream(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if s.cfg.AccountID == "" {
		return "", ErrAccountNotConfigured
	}

	acc, err := s.resolver.Resolve(s.cfg.AccountID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, s.cfg.AccountID)
	}
	if acc.APIKey == "" {
		return "", fmt.Errorf("%w: %s", ErrAccountMissingKey, acc.ID)
	}
	if acc.BaseAPI == "" {
		return "", fmt.Errorf("%w: %s", ErrAccountMissingBaseURL, acc.ID)
	}

	userPrompt := fmt.Sprintf("Translate the following from %s to %s:\n\n%s",
		langName(sourceLang), langName(targetLang), text)

	body := map[string]any{
		"model": s.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"max_tokens":  s.cfg.MaxTokens,
		"temperature": 0.1,
		"stream":      false,
	}
	// qwen3 models default to chain-of-thought; that both wastes tokens
	// and leaks reasoning into the translation on non-streaming calls.
	if strings.HasPrefix(s.cfg.Model, "qwen3") {
		body["enable_thinking"] = false
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling translation request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, translateTimeout)
	defer cancel()

	url := strings.TrimSuffix(acc.BaseAPI, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating translation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+acc.APIKey)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("translation request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", fmt.Errorf("reading translation response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translation upstream returned %d: %s",
			resp.StatusCode, extractUpstreamError(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parsing translation response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("parsing translation response: no choices")
	}

	slog.Debug("translation call completed",
		"chars", len(text),
		"direction", sourceLang+"->"+targetLang,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return parsed.Choices[0].Message.Content, nil
}

// extractUpstreamError pulls a human-readable message out of an error
// body: error.message, then message, then a truncated raw body.
func extractUpstreamError(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error.Message != "" {
			return parsed.Error.Message
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	const max = 200
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
