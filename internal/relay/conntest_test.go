package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaybridge/relaybridge/internal/sse"
)

func parseTestEvents(t *testing.T, body []byte) []sse.Event {
	t.Helper()
	var accum sse.Accumulator
	events := accum.Feed(body)
	return append(events, accum.Drain()...)
}

func decodeComplete(t *testing.T, evt sse.Event) (success bool, errMsg string) {
	t.Helper()
	var payload struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(evt.Data), &payload); err != nil {
		t.Fatalf("test_complete payload: %v", err)
	}
	return payload.Success, payload.Error
}

func TestRunConnectionTest_OK(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	rr := httptest.NewRecorder()
	f.relay().RunConnectionTest(context.Background(), rr, "acc1")

	if gotPath != "/v1/chat/completions" {
		t.Errorf("probe path: got %q", gotPath)
	}
	if gotAuth != "Bearer upstream-key" {
		t.Errorf("probe auth: got %q", gotAuth)
	}
	if gotBody["stream"] != true || gotBody["max_tokens"] != float64(100) {
		t.Errorf("probe body: %v", gotBody)
	}
	// No default_model configured: the probe uses the safe fallback.
	if gotBody["model"] != "gpt-4o-mini" {
		t.Errorf("probe model: %v", gotBody["model"])
	}

	events := parseTestEvents(t, rr.Body.Bytes())
	var names []string
	for _, evt := range events {
		names = append(names, evt.Name)
	}
	want := []string{"test_start", "content", "content", "message_stop", "test_complete"}
	if len(names) != len(want) {
		t.Fatalf("events: got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events: got %v, want %v", names, want)
		}
	}

	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(events[1].Data), &content); err != nil || content.Text != "Hello" {
		t.Errorf("content event: %q (%v)", events[1].Data, err)
	}
	if success, errMsg := decodeComplete(t, events[4]); !success || errMsg != "" {
		t.Errorf("completion: success=%v error=%q", success, errMsg)
	}
}

func TestRunConnectionTest_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid key"}}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	rr := httptest.NewRecorder()
	f.relay().RunConnectionTest(context.Background(), rr, "acc1")

	events := parseTestEvents(t, rr.Body.Bytes())
	last := events[len(events)-1]
	if last.Name != "test_complete" {
		t.Fatalf("last event: %+v", last)
	}
	if success, errMsg := decodeComplete(t, last); success || errMsg != "invalid key" {
		t.Errorf("completion: success=%v error=%q", success, errMsg)
	}
}

func TestRunConnectionTest_Unreachable(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	rr := httptest.NewRecorder()
	f.relay().RunConnectionTest(context.Background(), rr, "acc1")

	events := parseTestEvents(t, rr.Body.Bytes())
	last := events[len(events)-1]
	success, errMsg := decodeComplete(t, last)
	if success || errMsg == "" {
		t.Errorf("unreachable upstream: success=%v error=%q", success, errMsg)
	}
}

func TestRunConnectionTest_UnknownAccount(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	rr := httptest.NewRecorder()
	f.relay().RunConnectionTest(context.Background(), rr, "ghost")

	events := parseTestEvents(t, rr.Body.Bytes())
	// Resolution fails before test_start: the only event is the failure.
	if len(events) != 1 || events[0].Name != "test_complete" {
		t.Fatalf("events: %+v", events)
	}
	if success, errMsg := decodeComplete(t, events[0]); success || errMsg == "" {
		t.Errorf("completion: success=%v error=%q", success, errMsg)
	}
}

func TestServeTest_ProbesAllAccounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	p := f.relay()

	rr := httptest.NewRecorder()
	p.ServeTest(rr, httptest.NewRequest(http.MethodGet, "/api/test", nil))
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type: %q", ct)
	}

	events := parseTestEvents(t, rr.Body.Bytes())
	completes := 0
	for _, evt := range events {
		if evt.Name == "test_complete" {
			completes++
		}
	}
	if completes != 1 {
		t.Errorf("expected one probe completion, got %d in %+v", completes, events)
	}
}

func TestServeTest_AccountParam(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	rr := httptest.NewRecorder()
	f.relay().ServeTest(rr, httptest.NewRequest(http.MethodGet, "/api/test?account=acc1", nil))

	events := parseTestEvents(t, rr.Body.Bytes())
	sawStart := false
	for _, evt := range events {
		if evt.Name == "test_start" {
			sawStart = true
			var payload struct {
				Account string `json:"account"`
			}
			if err := json.Unmarshal([]byte(evt.Data), &payload); err != nil || payload.Account != "acc1" {
				t.Errorf("test_start payload: %q", evt.Data)
			}
		}
	}
	if !sawStart {
		t.Error("test_start never emitted")
	}
}
