package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaybridge/relaybridge/internal/account"
	"github.com/relaybridge/relaybridge/internal/extractor"
	"github.com/relaybridge/relaybridge/internal/sse"
)

// connTestTimeout bounds one probe. A healthy upstream starts answering
// a small completion within seconds.
const connTestTimeout = 30 * time.Second

// RunConnectionTest probes one account and reports progress to w as SSE
// events: test_start, content {text} per streamed chunk, message_stop,
// and a final test_complete {success, error?}. The probe sends a small
// streaming completion through the account's configured endpoint, so it
// exercises the same client, proxy, and credential path real requests
// take.
func (p *Relay) RunConnectionTest(ctx context.Context, w http.ResponseWriter, accountID string) {
	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	p.streamConnectionTest(ctx, sse.NewWriter(w), accountID)
}

func (p *Relay) streamConnectionTest(ctx context.Context, writer *sse.Writer, accountID string) {
	start := time.Now()
	complete := func(success bool, errMsg string) {
		result := map[string]any{
			"success":    success,
			"account":    accountID,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if errMsg != "" {
			result["error"] = errMsg
		}
		payload, _ := json.Marshal(result)
		writer.WriteEvent(sse.Event{Name: "test_complete", Data: string(payload)})
	}

	acc, err := p.accounts.Resolve(accountID)
	if err != nil {
		complete(false, err.Error())
		return
	}
	if err := acc.ValidateForRelay(); err != nil {
		complete(false, err.Error())
		return
	}

	model := acc.DefaultModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	startPayload, _ := json.Marshal(map[string]string{"account": accountID, "model": model})
	writer.WriteEvent(sse.Event{Name: "test_start", Data: string(startPayload)})

	ctx, cancel := context.WithTimeout(ctx, connTestTimeout)
	defer cancel()

	resp, err := p.dialConnectionTest(ctx, acc, model)
	if err != nil {
		complete(false, fmt.Sprintf("connection failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		reason := extractor.ExtractErrorReason(body)
		if reason == "" {
			reason = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
		}
		complete(false, reason)
		return
	}

	// Relay the OpenAI-style stream as domain events.
	var accum sse.Accumulator
	buf := make([]byte, 4*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, evt := range accum.Feed(buf[:n]) {
				p.emitTestContent(writer, evt)
			}
			if writer.Failed() {
				return
			}
		}
		if err != nil {
			break
		}
	}
	for _, evt := range accum.Drain() {
		p.emitTestContent(writer, evt)
	}

	writer.WriteEvent(sse.Event{Name: "message_stop", Data: "{}"})
	complete(true, "")
}

// dialConnectionTest sends the probe request: a small streaming chat
// completion against the account's OpenAI-compatible endpoint.
func (p *Relay) dialConnectionTest(ctx context.Context, acc *account.Account, model string) (*http.Response, error) {
	payload, _ := json.Marshal(map[string]any{
		"model":      model,
		"max_tokens": 100,
		"stream":     true,
		"messages": []map[string]string{
			{"role": "system", "content": "You are a helpful assistant."},
			{"role": "user", "content": "hi"},
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(acc.BaseAPI, "/")+"/v1/chat/completions",
		strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+acc.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if acc.UserAgent != "" {
		req.Header.Set("User-Agent", acc.UserAgent)
	}

	client, err := p.clientFor(acc)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// emitTestContent converts one upstream chunk event into a content
// event on the client stream. Chunks without text are dropped.
func (p *Relay) emitTestContent(writer *sse.Writer, evt sse.Event) {
	if evt.IsDone() {
		return
	}
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(evt.Data), &chunk); err != nil {
		return
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return
	}
	payload, _ := json.Marshal(map[string]string{"text": chunk.Choices[0].Delta.Content})
	writer.WriteEvent(sse.Event{Name: "content", Data: string(payload)})
}

// ServeTest is the HTTP handler for GET /api/test. With ?account=<id> it
// probes one account; without, every configured account in turn on the
// same stream. Sequential on purpose: a parallel burst against a shared
// upstream can itself trip rate limits.
func (p *Relay) ServeTest(w http.ResponseWriter, r *http.Request) {
	ids := p.accounts.IDs()
	if id := r.URL.Query().Get("account"); id != "" {
		ids = []string{id}
	}
	if len(ids) == 0 {
		writeJSONError(w, http.StatusNotFound, "invalid_request_error", "no accounts configured")
		return
	}

	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	writer := sse.NewWriter(w)
	for _, id := range ids {
		p.streamConnectionTest(r.Context(), writer, id)
		if writer.Failed() {
			slog.Debug("connection test client went away")
			return
		}
	}
}
