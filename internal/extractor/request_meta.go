package extractor

import "encoding/json"

// RequestMeta holds the fields the relay reads from an incoming request
// body. The body itself is forwarded (possibly translated) — these are
// pulled out once for routing, usage attribution, and session affinity.
type RequestMeta struct {
	Model     string // Requested model name.
	Stream    bool   // Whether the client asked for SSE streaming.
	SessionID string // Optional session id for scheduler affinity.
	MaxTokens int
}

// ExtractRequestMeta parses metadata from the request body. A malformed
// body yields the zero value — the relay forwards it anyway and lets the
// upstream reject it.
func ExtractRequestMeta(body []byte) RequestMeta {
	var raw struct {
		Model     string `json:"model"`
		Stream    bool   `json:"stream"`
		SessionID string `json:"session_id"`
		MaxTokens int    `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return RequestMeta{}
	}
	return RequestMeta{
		Model:     raw.Model,
		Stream:    raw.Stream,
		SessionID: raw.SessionID,
		MaxTokens: raw.MaxTokens,
	}
}
