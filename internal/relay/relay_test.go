package relay

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/relaybridge/relaybridge/internal/account"
	"github.com/relaybridge/relaybridge/internal/apikey"
	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/internal/usagelog"
)

// staticSelector always picks the same account.
type staticSelector struct {
	id  string
	err error
}

func (s staticSelector) Select(string) (string, error) {
	return s.id, s.err
}

type rateLimitMark struct {
	account string
	session string
	resets  int
}

type unauthorizedMark struct {
	account string
	reason  string
}

// markRecorder captures scheduler callbacks.
type markRecorder struct {
	mu           sync.Mutex
	rateLimited  []rateLimitMark
	unauthorized []unauthorizedMark
}

func (m *markRecorder) MarkRateLimited(accountID, provider, sessionHash string, resetsInSeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited = append(m.rateLimited, rateLimitMark{accountID, sessionHash, resetsInSeconds})
}

func (m *markRecorder) MarkUnauthorized(accountID, provider, sessionHash, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unauthorized = append(m.unauthorized, unauthorizedMark{accountID, reason})
}

// entryRecorder captures usage records.
type entryRecorder struct {
	mu      sync.Mutex
	entries []usagelog.Entry
}

func (r *entryRecorder) Record(e usagelog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *entryRecorder) last(t *testing.T) usagelog.Entry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		t.Fatal("no usage entry recorded")
	}
	return r.entries[len(r.entries)-1]
}

// fixture wires a relay against a single file-backed account pointing at
// the given upstream. Tests mutate opts before calling relay().
type fixture struct {
	t        *testing.T
	dir      string
	accounts *account.Store
	sched    *markRecorder
	rec      *entryRecorder
	opts     Options
}

func newFixture(t *testing.T, upstreamURL string) *fixture {
	t.Helper()
	dir := t.TempDir()

	accountsYAML := "accounts:\n" +
		"  acc1:\n" +
		"    provider: anthropic\n" +
		"    base_api: " + upstreamURL + "\n" +
		"    api_key: upstream-key\n"
	accountsPath := filepath.Join(dir, "accounts.yaml")
	if err := os.WriteFile(accountsPath, []byte(accountsYAML), 0o600); err != nil {
		t.Fatalf("writing accounts.yaml: %v", err)
	}

	accounts, err := account.NewStore(accountsPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	keys, err := apikey.NewStore(filepath.Join(dir, "apikeys.yaml"))
	if err != nil {
		t.Fatalf("apikey.NewStore: %v", err)
	}
	headers, err := NewHeaderFilter([]string{"anthropic-*", "x-request-id"})
	if err != nil {
		t.Fatalf("NewHeaderFilter: %v", err)
	}

	sched := &markRecorder{}
	rec := &entryRecorder{}
	return &fixture{
		t:        t,
		dir:      dir,
		accounts: accounts,
		sched:    sched,
		rec:      rec,
		opts: Options{
			Config:    &config.Config{},
			Accounts:  accounts,
			Keys:      keys,
			Selector:  staticSelector{id: "acc1"},
			Scheduler: sched,
			Recorder:  rec,
			Headers:   headers,
		},
	}
}

func (f *fixture) relay() *Relay {
	return New(f.opts)
}

func (f *fixture) post(p *Relay, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)
	return rr
}

func TestRelay_BufferedSuccess(t *testing.T) {
	upstreamBody := `{"id":"msg_1","model":"claude-sonnet-4","usage":{"input_tokens":100,"output_tokens":25}}`
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(upstreamBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	rr := f.post(f.relay(), "/v1/messages", `{"model":"claude-sonnet-4","messages":[]}`, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != upstreamBody {
		t.Errorf("body not forwarded verbatim: %q", rr.Body.String())
	}
	if gotAuth != "Bearer upstream-key" {
		t.Errorf("upstream auth: got %q", gotAuth)
	}
	if gotPath != "/v1/messages" {
		t.Errorf("upstream path: got %q", gotPath)
	}

	entry := f.rec.last(t)
	if entry.Account != "acc1" || entry.Model != "claude-sonnet-4" {
		t.Errorf("entry attribution: %+v", entry)
	}
	if entry.InputTokens != 100 || entry.OutputTokens != 25 {
		t.Errorf("entry usage: %+v", entry)
	}
	if entry.Stream {
		t.Error("buffered request recorded as streaming")
	}
}

func TestRelay_OpenRelayWithoutKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	// No apikeys.yaml: requests without credentials pass.
	rr := f.post(f.relay(), "/v1/messages", `{}`, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("open relay rejected request: %d %s", rr.Code, rr.Body.String())
	}
}

func TestRelay_AuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	keysYAML := "keys:\n  secret1:\n    id: team-a\n"
	keysPath := filepath.Join(f.dir, "apikeys.yaml")
	if err := os.WriteFile(keysPath, []byte(keysYAML), 0o600); err != nil {
		t.Fatalf("writing apikeys.yaml: %v", err)
	}
	keys, err := apikey.NewStore(keysPath)
	if err != nil {
		t.Fatalf("apikey.NewStore: %v", err)
	}
	f.opts.Keys = keys
	p := f.relay()

	rr := f.post(p, "/v1/messages", `{}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("missing key: expected 401, got %d", rr.Code)
	}

	rr = f.post(p, "/v1/messages", `{}`, map[string]string{"Authorization": "Bearer wrong"})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unknown key: expected 401, got %d", rr.Code)
	}

	rr = f.post(p, "/v1/messages", `{}`, map[string]string{"Authorization": "Bearer secret1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("valid key rejected: %d %s", rr.Code, rr.Body.String())
	}
	if got := f.rec.last(t).APIKey; got != "team-a" {
		t.Errorf("entry api key: got %q", got)
	}
}

func TestRelay_NoAccountAvailable(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	f.opts.Selector = staticSelector{err: errors.New("all accounts rate limited")}
	rr := f.post(f.relay(), "/v1/messages", `{}`, nil)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "overloaded_error") {
		t.Errorf("error envelope: %s", rr.Body.String())
	}
}

func TestRelay_UpstreamUnreachable(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	rr := f.post(f.relay(), "/v1/messages", `{}`, nil)

	if rr.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rr.Code)
	}
	acc, err := f.accounts.Resolve("acc1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if acc.Status != "error" {
		t.Errorf("account status: got %q, want error", acc.Status)
	}
}

func TestRelay_RateLimited(t *testing.T) {
	errBody := `{"error":{"type":"rate_limit_error","message":"slow down","resets_in_seconds":30}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(errBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	rr := f.post(f.relay(), "/v1/messages", `{"session_id":"s1"}`, nil)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Body.String() != errBody {
		t.Errorf("provider error not forwarded: %q", rr.Body.String())
	}

	if len(f.sched.rateLimited) != 1 {
		t.Fatalf("rate limit marks: %+v", f.sched.rateLimited)
	}
	mark := f.sched.rateLimited[0]
	if mark.account != "acc1" || mark.resets != 30 {
		t.Errorf("mark: %+v", mark)
	}
	if mark.session == "" {
		t.Error("session hash missing from mark")
	}
	if len(f.rec.entries) != 0 {
		t.Error("429 must not produce a usage entry")
	}
}

func TestRelay_RateLimited_SyntheticBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("Too Many Requests"))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	rr := f.post(f.relay(), "/v1/messages", `{}`, nil)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	// Non-JSON upstream body is replaced with a parseable envelope.
	if !strings.Contains(rr.Body.String(), "rate_limit_error") {
		t.Errorf("synthetic body: %q", rr.Body.String())
	}
}

func TestRelay_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	rr := f.post(f.relay(), "/v1/messages", `{}`, nil)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if len(f.sched.unauthorized) != 1 {
		t.Fatalf("unauthorized marks: %+v", f.sched.unauthorized)
	}
	if f.sched.unauthorized[0].reason != "invalid x-api-key" {
		t.Errorf("reason: got %q", f.sched.unauthorized[0].reason)
	}

	acc, _ := f.accounts.Resolve("acc1")
	if acc.Status != "unauthorized" {
		t.Errorf("account status: got %q", acc.Status)
	}
}

func TestRelay_OtherErrorForwarded(t *testing.T) {
	errBody := `{"error":{"type":"invalid_request_error","message":"max_tokens required"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(errBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	rr := f.post(f.relay(), "/v1/messages", `{}`, nil)

	if rr.Code != http.StatusBadRequest || rr.Body.String() != errBody {
		t.Errorf("4xx passthrough: %d %q", rr.Code, rr.Body.String())
	}
	if len(f.sched.rateLimited)+len(f.sched.unauthorized) != 0 {
		t.Error("plain 4xx must not mark the scheduler")
	}
}

func TestRelay_StreamingRawTee(t *testing.T) {
	stream := "event: message_start\n" +
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4","usage":{"input_tokens":10,"output_tokens":1}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":44}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(stream))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	rr := f.post(f.relay(), "/v1/messages", `{"model":"claude-sonnet-4","stream":true}`, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	// Untranslated streams are teed byte for byte.
	if rr.Body.String() != stream {
		t.Errorf("stream altered:\n  got  %q\n  want %q", rr.Body.String(), stream)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("content type: got %q", ct)
	}

	entry := f.rec.last(t)
	if !entry.Stream {
		t.Error("streaming request recorded as buffered")
	}
	if entry.InputTokens != 10 || entry.OutputTokens != 44 {
		t.Errorf("merged stream usage: %+v", entry)
	}
	if entry.Model != "claude-sonnet-4" {
		t.Errorf("model from message_start: got %q", entry.Model)
	}
}

func TestRelay_StreamingRateLimitSignal(t *testing.T) {
	// 200 stream that dies with an in-band rate limit error.
	stream := "event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}` + "\n\n" +
		"event: error\n" +
		`data: {"type":"error","error":{"type":"rate_limit_error","resets_in_seconds":15}}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(stream))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	rr := f.post(f.relay(), "/v1/messages", `{"stream":true}`, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	if len(f.sched.rateLimited) != 1 || f.sched.rateLimited[0].resets != 15 {
		t.Errorf("in-stream rate limit not marked: %+v", f.sched.rateLimited)
	}
}

func TestRelay_StreamingDrainTail(t *testing.T) {
	// Terminal usage event without the closing blank line: the drain at
	// EOF must still pick it up.
	stream := "event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":7}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(stream))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.post(f.relay(), "/v1/messages", `{"stream":true}`, nil)

	if got := f.rec.last(t).OutputTokens; got != 7 {
		t.Errorf("tail usage: expected 7, got %d", got)
	}
}

func TestRelay_HeaderAllowlist(t *testing.T) {
	var upstream http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.post(f.relay(), "/v1/messages", `{}`, map[string]string{
		"Anthropic-Version": "2023-06-01",
		"X-Request-Id":      "r1",
		"X-Internal-Trace":  "secret",
		"Authorization":     "Bearer client-key",
	})

	if got := upstream.Get("Anthropic-Version"); got != "2023-06-01" {
		t.Errorf("allowlisted header dropped: %q", got)
	}
	if got := upstream.Get("X-Request-Id"); got != "r1" {
		t.Errorf("allowlisted header dropped: %q", got)
	}
	if got := upstream.Get("X-Internal-Trace"); got != "" {
		t.Errorf("non-allowlisted header forwarded: %q", got)
	}
	// Client credential replaced by the account's.
	if got := upstream.Get("Authorization"); got != "Bearer upstream-key" {
		t.Errorf("authorization: got %q", got)
	}
}

func TestRelay_QuotaAccounting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"claude-sonnet-4","usage":{"input_tokens":1000000,"output_tokens":0}}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	accountsYAML := "accounts:\n" +
		"  acc1:\n" +
		"    provider: anthropic\n" +
		"    base_api: " + srv.URL + "\n" +
		"    api_key: upstream-key\n" +
		"    daily_quota: 10\n"
	if err := os.WriteFile(filepath.Join(f.dir, "accounts.yaml"), []byte(accountsYAML), 0o600); err != nil {
		t.Fatalf("rewriting accounts.yaml: %v", err)
	}
	if err := f.accounts.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	f.opts.Cost = NewTableCalculator(map[string]config.ModelRate{
		"claude-*": {InputPerM: 3},
	})
	f.post(f.relay(), "/v1/messages", `{"model":"claude-sonnet-4"}`, nil)

	entry := f.rec.last(t)
	if entry.Cost != 3 {
		t.Errorf("cost: expected 3, got %v", entry.Cost)
	}
	acc, _ := f.accounts.Resolve("acc1")
	if acc.QuotaUsed != 3 {
		t.Errorf("quota used: expected 3, got %v", acc.QuotaUsed)
	}
	if acc.LastUsedAt.IsZero() {
		t.Error("last-used not stamped")
	}
}

func TestRelay_OnEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"gpt-4o","usage":{"prompt_tokens":5,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	var events []Event
	f.opts.OnEvent = func(e Event) { events = append(events, e) }
	f.post(f.relay(), "/v1/chat/completions", `{"model":"gpt-4o"}`, nil)

	if len(events) != 1 {
		t.Fatalf("events: expected 1, got %d", len(events))
	}
	if events[0].Account != "acc1" || events[0].Model != "gpt-4o" || events[0].Status != 200 {
		t.Errorf("event: %+v", events[0])
	}
	if events[0].Usage.InputTokens != 5 {
		t.Errorf("event usage: %+v", events[0].Usage)
	}
}

func TestRelay_QueryStringForwarded(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.post(f.relay(), "/v1/messages?beta=true", `{}`, nil)

	if gotURL != "/v1/messages?beta=true" {
		t.Errorf("upstream url: got %q", gotURL)
	}
}
