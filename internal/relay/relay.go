// Package relay implements the request lifecycle at the heart of
// RelayBridge: choose an upstream account, forward the (possibly
// translated) request, stream the SSE response back to the client, and
// record usage and cost.
//
// The relay holds its collaborators behind narrow interfaces: the
// scheduler sees exactly two health marks, the usage recorder one Record
// call, the cost calculator one Cost call. Errors that change scheduler
// state are applied before the client response is written; recording
// failures after the response never surface.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/relaybridge/relaybridge/internal/account"
	"github.com/relaybridge/relaybridge/internal/apikey"
	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/internal/extractor"
	"github.com/relaybridge/relaybridge/internal/scheduler"
	"github.com/relaybridge/relaybridge/internal/sse"
	"github.com/relaybridge/relaybridge/internal/translate"
	"github.com/relaybridge/relaybridge/internal/usagelog"
)

// maxRequestBody caps inbound request bodies at 10MB. Chat requests
// rarely exceed a few hundred KB even with long conversations.
const maxRequestBody = 10 * 1024 * 1024

// maxErrorBody caps how much of an upstream error body is buffered for
// classification. Error payloads are small; the cap guards against a
// misbehaving upstream streaming into an error status.
const maxErrorBody = 256 * 1024

// AccountSelector picks the serving account for a request. Satisfied by
// the scheduler pool; the selection policy lives entirely behind it.
type AccountSelector interface {
	Select(sessionHash string) (string, error)
}

// UsageRecorder persists one usage record. Satisfied by usagelog.Log.
type UsageRecorder interface {
	Record(usagelog.Entry)
}

// Event is the per-request summary broadcast to the dashboard feed.
type Event struct {
	Timestamp  string          `json:"ts"`
	APIKey     string          `json:"api_key,omitempty"`
	Account    string          `json:"account"`
	Model      string          `json:"model"`
	Status     int             `json:"status"`
	Stream     bool            `json:"stream"`
	Translated bool            `json:"translated"`
	Usage      extractor.Usage `json:"usage"`
	LatencyMs  int64           `json:"latency_ms"`
}

// Options holds the dependencies injected into the relay at creation.
type Options struct {
	Config        *config.Config
	Accounts      *account.Store
	Keys          *apikey.Store
	Selector      AccountSelector
	Scheduler     scheduler.Callbacks
	Recorder      UsageRecorder
	Cost          CostCalculator
	Headers       *HeaderFilter
	ReqTranslator *translate.RequestTranslator
	TranslateSvc  *translate.Service
	// OnEvent is called after each relayed request so the dashboard can
	// broadcast it. Optional — nil means no broadcast.
	OnEvent func(Event)
}

// Relay is the HTTP handler for the provider-shaped API surface
// (/v1/messages, /v1/chat/completions, ...).
type Relay struct {
	cfg           *config.Config
	accounts      *account.Store
	keys          *apikey.Store
	selector      AccountSelector
	sched         scheduler.Callbacks
	recorder      UsageRecorder
	cost          CostCalculator
	headers       *HeaderFilter
	reqTranslator *translate.RequestTranslator
	translateSvc  *translate.Service
	onEvent       func(Event)

	clientMu sync.Mutex
	clients  map[string]*http.Client // keyed by proxy URL ("" = direct)
}

// New creates a Relay with the given dependencies.
func New(opts Options) *Relay {
	return &Relay{
		cfg:           opts.Config,
		accounts:      opts.Accounts,
		keys:          opts.Keys,
		selector:      opts.Selector,
		sched:         opts.Scheduler,
		recorder:      opts.Recorder,
		cost:          opts.Cost,
		headers:       opts.Headers,
		reqTranslator: opts.ReqTranslator,
		translateSvc:  opts.TranslateSvc,
		onEvent:       opts.OnEvent,
		clients:       make(map[string]*http.Client),
	}
}

func (p *Relay) requestTimeout() time.Duration {
	ms := p.cfg.Relay.RequestTimeoutMs
	if ms <= 0 {
		ms = 600000
	}
	return time.Duration(ms) * time.Millisecond
}

// clientFor returns the HTTP client for an account, building one per
// distinct proxy URL. Clients carry no Timeout of their own — the
// per-request context bounds the call, streaming body included.
func (p *Relay) clientFor(acc *account.Account) (*http.Client, error) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()

	if c, ok := p.clients[acc.Proxy]; ok {
		return c, nil
	}

	client := &http.Client{}
	if acc.Proxy != "" {
		proxyURL, err := url.Parse(acc.Proxy)
		if err != nil {
			return nil, fmt.Errorf("account %q: invalid proxy url: %w", acc.ID, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	p.clients[acc.Proxy] = client
	return client, nil
}

// ServeHTTP is the entry point for all relayed API requests.
func (p *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// --- Step 1: Validate the client API key ---
	keyID, err := p.authenticate(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication_error", err.Error())
		return
	}

	// --- Step 2: Read the request body ---
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		slog.Error("failed to read request body", "error", err)
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	defer r.Body.Close()

	meta := extractor.ExtractRequestMeta(body)
	sessionHash := sessionHashFor(r, meta)

	// --- Step 3: Pick and resolve the serving account ---
	accountID, err := p.selector.Select(sessionHash)
	if err != nil {
		slog.Warn("no account available", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "overloaded_error", err.Error())
		return
	}

	acc, err := p.accounts.Resolve(accountID)
	if err != nil {
		slog.Error("selected account vanished", "account", accountID, "error", err)
		writeJSONError(w, http.StatusBadGateway, "api_error", fmt.Sprintf("account %s not found", accountID))
		return
	}
	if err := acc.ValidateForRelay(); err != nil {
		slog.Error("account misconfigured", "account", acc.ID, "error", err)
		writeJSONError(w, http.StatusBadGateway, "api_error", "account misconfigured")
		return
	}

	slog.Debug("relay request",
		"account", acc.ID,
		"path", r.URL.Path,
		"model", meta.Model,
		"stream", meta.Stream,
	)

	// --- Step 4: Translate the request body if the account opts in ---
	translating := p.cfg.Translation.Enabled && acc.TranslationEnabled()
	upstreamBody := body
	if translating && p.reqTranslator != nil {
		upstreamBody = p.reqTranslator.TranslateRequest(r.Context(), body, acc)
	}

	// --- Step 5: Dispatch upstream ---
	ctx, cancel := context.WithTimeout(r.Context(), p.requestTimeout())
	defer cancel()

	resp, err := p.forward(ctx, acc, r, upstreamBody)
	if err != nil {
		p.accounts.SetStatus(acc.ID, "error")
		slog.Error("upstream request failed",
			"account", acc.ID,
			"error", err,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		writeJSONError(w, http.StatusBadGateway, "api_error", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	// --- Step 6: Classify by status ---
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		p.handleRateLimited(w, resp, acc, sessionHash)
		return
	case resp.StatusCode == http.StatusUnauthorized:
		p.handleUnauthorized(w, resp, acc, sessionHash)
		return
	case resp.StatusCode >= 400:
		p.forwardError(w, resp)
		return
	}

	// --- Step 7: 2xx — splice or buffer, then account ---
	req := relayedRequest{
		keyID:       keyID,
		acc:         acc,
		meta:        meta,
		sessionHash: sessionHash,
		translating: translating,
		start:       start,
	}
	if meta.Stream {
		p.handleStreaming(ctx, cancel, w, resp, req)
	} else {
		p.handleBuffered(w, resp, req)
	}
}

// relayedRequest bundles the per-request facts the 2xx paths share.
type relayedRequest struct {
	keyID       string
	acc         *account.Account
	meta        extractor.RequestMeta
	sessionHash string
	translating bool
	start       time.Time
}

func (p *Relay) authenticate(r *http.Request) (string, error) {
	if p.keys == nil || p.keys.Empty() {
		return "", nil
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		auth = r.Header.Get("X-Api-Key")
	}
	return p.keys.Validate(auth)
}

// sessionHashFor derives the scheduler affinity key: SHA-256 of the
// session id from the session_id header or body field. Empty when the
// client sent none.
func sessionHashFor(r *http.Request, meta extractor.RequestMeta) string {
	sessionID := r.Header.Get("session_id")
	if sessionID == "" {
		sessionID = meta.SessionID
	}
	if sessionID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])
}

// forward builds and sends the upstream request.
func (p *Relay) forward(ctx context.Context, acc *account.Account, r *http.Request, body []byte) (*http.Response, error) {
	upstream := strings.TrimSuffix(acc.BaseAPI, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		upstream += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, upstream, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	req.ContentLength = int64(len(body))

	p.headers.Copy(req.Header, r.Header)
	req.Header.Set("Authorization", "Bearer "+acc.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if acc.UserAgent != "" {
		req.Header.Set("User-Agent", acc.UserAgent)
	} else if ua := r.Header.Get("User-Agent"); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	client, err := p.clientFor(acc)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding to %s: %w", upstream, err)
	}
	return resp, nil
}

// handleRateLimited parses the 429 body for a reset hint, marks the
// account before responding, and forwards the provider's error payload
// (or a synthetic one) to the client.
func (p *Relay) handleRateLimited(w http.ResponseWriter, resp *http.Response, acc *account.Account, sessionHash string) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	sig, errData := extractor.ParseRateLimitBody(body)

	p.sched.MarkRateLimited(acc.ID, acc.Provider, sessionHash, sig.ResetsInSecond)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	if errData != nil {
		w.Write(errData)
		return
	}
	synthetic, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":              "rate_limit_error",
			"resets_in_seconds": sig.ResetsInSecond,
		},
	})
	w.Write(synthetic)
}

// handleUnauthorized extracts a human-readable reason, marks the account
// before responding, and forwards the body (or a synthetic one).
func (p *Relay) handleUnauthorized(w http.ResponseWriter, resp *http.Response, acc *account.Account, sessionHash string) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	reason := extractor.ExtractErrorReason(body)

	p.sched.MarkUnauthorized(acc.ID, acc.Provider, sessionHash, reason)
	p.accounts.SetStatus(acc.ID, "unauthorized")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if json.Valid(body) && len(body) > 0 {
		w.Write(body)
		return
	}
	synthetic, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":    "unauthorized",
			"code":    "unauthorized",
			"message": reason,
		},
	})
	w.Write(synthetic)
}

// forwardError passes other upstream 4xx/5xx responses through as JSON.
func (p *Relay) forwardError(w http.ResponseWriter, resp *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// handleBuffered forwards a non-streaming 2xx response and records usage.
func (p *Relay) handleBuffered(w http.ResponseWriter, resp *http.Response, req relayedRequest) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("failed to read upstream response", "account", req.acc.ID, "error", err)
		writeJSONError(w, http.StatusBadGateway, "api_error", "failed to read upstream response")
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(resp.StatusCode)
	w.Write(body)

	usage, _ := extractor.UsageFromResponseBody(body)
	model := extractor.ResolveModel(extractor.ModelFromResponseBody(body), req.meta.Model)
	p.finishRequest(req, resp.StatusCode, model, usage)
}

// handleStreaming runs the splice loop: tee raw chunks to the client (or
// route events through the response translator), extract usage and
// rate-limit signals from every complete event, and settle accounting at
// end-of-stream.
//
// Client disconnects propagate through the request context: the upstream
// body read fails, the loop exits, and the deferred cancel aborts the
// upstream call. In translated mode the translator is the only writer —
// raw chunks are never forwarded.
func (p *Relay) handleStreaming(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, resp *http.Response, req relayedRequest) {
	if _, ok := w.(http.Flusher); !ok {
		slog.Error("ResponseWriter does not support flushing (required for SSE)")
		writeJSONError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	sse.SetHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)

	writer := sse.NewWriter(w)
	var rt *translate.ResponseTranslator
	if req.translating && p.translateSvc != nil {
		rt = translate.NewResponseTranslator(p.translateSvc, req.acc, writer)
	}

	var (
		accum sse.Accumulator
		usage extractor.Usage
		rl    extractor.RateLimitSignal
		model string
	)

	observe := func(evt sse.Event) {
		if u, ok := extractor.UsageFromEvent(evt); ok {
			usage.Merge(u)
		}
		if sig := extractor.ScanEventForRateLimit(evt); sig.Limited {
			rl.Limited = true
			if sig.ResetsInSecond > 0 {
				rl.ResetsInSecond = sig.ResetsInSecond
			}
		}
		if model == "" {
			model = modelFromEvent(evt)
		}
	}

	handle := func(evt sse.Event) {
		observe(evt)
		if rt != nil {
			if err := rt.ProcessEvent(ctx, evt); err != nil {
				slog.Debug("client write failed during translation", "error", err)
			}
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if rt == nil {
				writer.WriteRaw(chunk)
			}
			for _, evt := range accum.Feed(chunk) {
				handle(evt)
			}
			if writer.Failed() {
				// Client is gone; stop the upstream socket from filling.
				cancel()
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("upstream stream read error", "account", req.acc.ID, "error", err)
			}
			break
		}
	}

	// Always drain the accumulator — a terminal usage event may sit in
	// the tail if upstream omitted the final blank line.
	for _, evt := range accum.Drain() {
		handle(evt)
	}
	if rt != nil {
		rt.Finalize()
	}

	if rl.Limited {
		p.sched.MarkRateLimited(req.acc.ID, req.acc.Provider, req.sessionHash, rl.ResetsInSecond)
	}

	p.finishRequest(req, resp.StatusCode, extractor.ResolveModel(model, req.meta.Model), usage)
}

// finishRequest settles accounting after a 2xx response: usage record,
// last-used stamp, quota update, dashboard event. Every failure here is
// logged and swallowed — the response has already been written.
func (p *Relay) finishRequest(req relayedRequest, status int, model string, usage extractor.Usage) {
	var cost float64
	if p.cost != nil {
		cost = p.cost.Cost(model, usage)
	}

	if p.recorder != nil {
		p.recorder.Record(usagelog.Entry{
			APIKey:            req.keyID,
			Account:           req.acc.ID,
			Provider:          req.acc.Provider,
			Model:             model,
			Stream:            req.meta.Stream,
			Status:            status,
			InputTokens:       usage.InputTokens,
			OutputTokens:      usage.OutputTokens,
			CachedReadTokens:  usage.CachedReadTokens,
			CacheCreateTokens: usage.CacheCreateTokens,
			ActualInputTokens: usage.ActualInputTokens,
			TotalTokens:       usage.TotalTokens,
			Cost:              cost,
			Translated:        req.translating,
			LatencyMs:         time.Since(req.start).Milliseconds(),
		})
	}

	if err := p.accounts.UpdateLastUsed(req.acc.ID, time.Now()); err != nil {
		slog.Warn("updating account last-used failed", "account", req.acc.ID, "error", err)
	}
	if req.acc.DailyQuota > 0 && cost > 0 {
		if err := p.accounts.AddQuotaUsed(req.acc.ID, cost); err != nil {
			slog.Warn("updating account quota failed", "account", req.acc.ID, "error", err)
		}
	}

	if p.onEvent != nil {
		p.onEvent(Event{
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			APIKey:     req.keyID,
			Account:    req.acc.ID,
			Model:      model,
			Status:     status,
			Stream:     req.meta.Stream,
			Translated: req.translating,
			Usage:      usage,
			LatencyMs:  time.Since(req.start).Milliseconds(),
		})
	}
}

// modelFromEvent reads the model name from a streaming event: top-level
// "model" (OpenAI chunks) or message.model (Anthropic message_start).
func modelFromEvent(evt sse.Event) string {
	payload, ok := evt.JSON()
	if !ok {
		return ""
	}
	if raw, ok := payload["model"]; ok {
		var m string
		if json.Unmarshal(raw, &m) == nil {
			return m
		}
	}
	if raw, ok := payload["message"]; ok {
		var msg struct {
			Model string `json:"model"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			return msg.Model
		}
	}
	return ""
}

// writeJSONError responds with the provider-style error envelope.
func writeJSONError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
	w.Write(payload)
}
