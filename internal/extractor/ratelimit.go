package extractor

import (
	"encoding/json"
	"strings"

	"github.com/relaybridge/relaybridge/internal/sse"
)

// rateLimitErrorTypes are the in-stream error type strings that mean the
// upstream account has hit a limit. Seeing any of them mid-stream marks
// the account rate-limited even though the HTTP status was 2xx.
var rateLimitErrorTypes = map[string]bool{
	"rate_limit_error":     true,
	"usage_limit_reached":  true,
	"rate_limit_exceeded":  true,
}

// RateLimitSignal is the result of scanning a response for rate-limit
// information.
type RateLimitSignal struct {
	Limited        bool
	ResetsInSecond int // 0 when the provider gave no reset hint.
}

// errorEnvelope covers the error shapes providers use, with the reset
// hint at either nesting level and under either name.
type errorEnvelope struct {
	Error *struct {
		Type            string   `json:"type"`
		Message         string   `json:"message"`
		ResetsInSeconds *float64 `json:"resets_in_seconds"`
		ResetsIn        *float64 `json:"resets_in"`
	} `json:"error"`
	Type            string   `json:"type"`
	Message         string   `json:"message"`
	ResetsInSeconds *float64 `json:"resets_in_seconds"`
	ResetsIn        *float64 `json:"resets_in"`
}

// ScanEventForRateLimit checks one SSE event for a rate-limit error type
// and reset hint.
func ScanEventForRateLimit(evt sse.Event) RateLimitSignal {
	if evt.Data == "" || evt.IsDone() {
		return RateLimitSignal{}
	}
	return scanJSON([]byte(evt.Data))
}

// ParseRateLimitBody extracts the rate-limit signal and the decoded error
// payload from a 429 response body. The body may be plain JSON or an SSE
// fragment ("data: {...}").
func ParseRateLimitBody(body []byte) (RateLimitSignal, json.RawMessage) {
	data := body
	if looksLikeSSE(body) {
		data = firstSSEData(body)
	}

	sig := scanJSON(data)
	if json.Valid(data) {
		return sig, json.RawMessage(data)
	}
	return sig, nil
}

func scanJSON(data []byte) RateLimitSignal {
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return RateLimitSignal{}
	}

	var sig RateLimitSignal
	if env.Error != nil {
		sig.Limited = rateLimitErrorTypes[env.Error.Type]
		sig.ResetsInSecond = firstCount(env.Error.ResetsInSeconds, env.Error.ResetsIn)
	}
	if !sig.Limited {
		sig.Limited = rateLimitErrorTypes[env.Type]
	}
	if sig.ResetsInSecond == 0 {
		sig.ResetsInSecond = firstCount(env.ResetsInSeconds, env.ResetsIn)
	}
	return sig
}

// ExtractErrorReason builds a human-readable reason from an error body:
// a bare JSON string, error.message, message, or the truncated raw body.
func ExtractErrorReason(body []byte) string {
	var s string
	if err := json.Unmarshal(body, &s); err == nil && s != "" {
		return s
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Error != nil && env.Error.Message != "" {
			return env.Error.Message
		}
		if env.Message != "" {
			return env.Message
		}
	}

	const max = 200
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > max {
		return trimmed[:max]
	}
	return trimmed
}

func looksLikeSSE(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "event:") || strings.HasPrefix(trimmed, "data:")
}

// firstSSEData returns the first "data:" payload in an SSE fragment.
func firstSSEData(body []byte) []byte {
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "data:") {
			return []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return nil
}
