package extractor

import (
	"testing"

	"github.com/relaybridge/relaybridge/internal/sse"
)

func TestScanEventForRateLimit_ErrorTypes(t *testing.T) {
	tests := []struct {
		data    string
		limited bool
		resets  int
	}{
		{`{"type":"error","error":{"type":"rate_limit_error","resets_in_seconds":30}}`, true, 30},
		{`{"error":{"type":"usage_limit_reached","resets_in":120}}`, true, 120},
		{`{"type":"rate_limit_exceeded"}`, true, 0},
		{`{"error":{"type":"invalid_request_error"}}`, false, 0},
		{`{"type":"content_block_delta"}`, false, 0},
	}
	for _, tt := range tests {
		sig := ScanEventForRateLimit(sse.Event{Data: tt.data})
		if sig.Limited != tt.limited || sig.ResetsInSecond != tt.resets {
			t.Errorf("scan(%q) = %+v, want limited=%v resets=%d", tt.data, sig, tt.limited, tt.resets)
		}
	}
}

func TestScanEventForRateLimit_Sentinels(t *testing.T) {
	if sig := ScanEventForRateLimit(sse.Event{Data: sse.Done}); sig.Limited {
		t.Error("[DONE] must not signal a rate limit")
	}
	if sig := ScanEventForRateLimit(sse.Event{}); sig.Limited {
		t.Error("empty event must not signal a rate limit")
	}
}

func TestParseRateLimitBody_JSON(t *testing.T) {
	body := []byte(`{"error":{"type":"rate_limit_error","message":"slow down","resets_in_seconds":45}}`)
	sig, errData := ParseRateLimitBody(body)
	if !sig.Limited || sig.ResetsInSecond != 45 {
		t.Errorf("signal: %+v", sig)
	}
	if string(errData) != string(body) {
		t.Errorf("error payload should be the body itself, got %q", errData)
	}
}

func TestParseRateLimitBody_SSE(t *testing.T) {
	body := []byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"rate_limit_error\",\"resets_in_seconds\":10}}\n\n")
	sig, errData := ParseRateLimitBody(body)
	if !sig.Limited || sig.ResetsInSecond != 10 {
		t.Errorf("signal from SSE body: %+v", sig)
	}
	if errData == nil {
		t.Error("expected the extracted data payload")
	}
}

func TestParseRateLimitBody_Garbage(t *testing.T) {
	sig, errData := ParseRateLimitBody([]byte("<html>502</html>"))
	if sig.Limited {
		t.Errorf("garbage body: %+v", sig)
	}
	if errData != nil {
		t.Errorf("non-JSON body should yield nil payload, got %q", errData)
	}
}

func TestExtractErrorReason(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`"invalid api key"`, "invalid api key"},
		{`{"error":{"message":"bad key"}}`, "bad key"},
		{`{"message":"top level"}`, "top level"},
		{`  raw text  `, "raw text"},
	}
	for _, tt := range tests {
		if got := ExtractErrorReason([]byte(tt.body)); got != tt.want {
			t.Errorf("ExtractErrorReason(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
