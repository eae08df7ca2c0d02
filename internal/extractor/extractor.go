// Package extractor parses provider request and response payloads for the
// relay: token usage accounting, request metadata, and rate-limit/error
// signals.
//
// Providers disagree on usage field names (Anthropic: input_tokens /
// output_tokens; OpenAI: prompt_tokens / completion_tokens; cached and
// cache-creation counts under several spellings), so everything is
// normalized into one Usage struct before it reaches the recorder.
package extractor

import (
	"encoding/json"
	"math"

	"github.com/relaybridge/relaybridge/internal/sse"
)

// Usage is the normalized token accounting for one request.
//
// ActualInput is the non-cached share of the input: cached reads are
// billed at a different rate, so the recorder needs both buckets.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedReadTokens  int `json:"cached_read_tokens"`
	CacheCreateTokens int `json:"cache_create_tokens"`
	ActualInputTokens int `json:"actual_input_tokens"`
	TotalTokens       int `json:"total_tokens"`
}

// rawUsage mirrors every field spelling seen across providers. Pointers
// distinguish "absent" from zero.
type rawUsage struct {
	InputTokens              *float64 `json:"input_tokens"`
	PromptTokens             *float64 `json:"prompt_tokens"`
	OutputTokens             *float64 `json:"output_tokens"`
	CompletionTokens         *float64 `json:"completion_tokens"`
	TotalTokens              *float64 `json:"total_tokens"`
	CacheCreationInputTokens *float64 `json:"cache_creation_input_tokens"`
	CacheCreationTokens      *float64 `json:"cache_creation_tokens"`
	InputTokensDetails       *struct {
		CachedTokens             *float64 `json:"cached_tokens"`
		CacheCreationInputTokens *float64 `json:"cache_creation_input_tokens"`
		CacheCreationTokens      *float64 `json:"cache_creation_tokens"`
	} `json:"input_tokens_details"`
}

// ExtractUsage normalizes a provider "usage" object. Returns false when
// raw is not a usage object or carries no counts at all.
func ExtractUsage(raw json.RawMessage) (Usage, bool) {
	if len(raw) == 0 {
		return Usage{}, false
	}
	var ru rawUsage
	if err := json.Unmarshal(raw, &ru); err != nil {
		return Usage{}, false
	}

	var u Usage
	u.InputTokens = firstCount(ru.InputTokens, ru.PromptTokens)
	u.OutputTokens = firstCount(ru.OutputTokens, ru.CompletionTokens)

	if ru.InputTokensDetails != nil {
		u.CachedReadTokens = firstCount(ru.InputTokensDetails.CachedTokens)
		u.CacheCreateTokens = firstCount(
			ru.InputTokensDetails.CacheCreationInputTokens,
			ru.InputTokensDetails.CacheCreationTokens,
			ru.CacheCreationInputTokens,
			ru.CacheCreationTokens,
		)
	} else {
		u.CacheCreateTokens = firstCount(ru.CacheCreationInputTokens, ru.CacheCreationTokens)
	}

	u.ActualInputTokens = u.InputTokens - u.CachedReadTokens
	if u.ActualInputTokens < 0 {
		u.ActualInputTokens = 0
	}

	if ru.TotalTokens != nil && isFinite(*ru.TotalTokens) {
		u.TotalTokens = int(*ru.TotalTokens)
	} else {
		u.TotalTokens = u.InputTokens + u.OutputTokens + u.CacheCreateTokens
	}

	hasAny := ru.InputTokens != nil || ru.PromptTokens != nil ||
		ru.OutputTokens != nil || ru.CompletionTokens != nil || ru.TotalTokens != nil
	return u, hasAny
}

// firstCount returns the first defined finite value as an int, else 0.
func firstCount(candidates ...*float64) int {
	for _, c := range candidates {
		if c != nil && isFinite(*c) {
			return int(*c)
		}
	}
	return 0
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Merge folds another observation into u, keeping the larger value per
// bucket. Streaming responses report usage incrementally (message_start
// carries input counts, message_delta the final output counts); max-merge
// yields the terminal numbers without caring which event carried what.
func (u *Usage) Merge(other Usage) {
	if other.InputTokens > u.InputTokens {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens > u.OutputTokens {
		u.OutputTokens = other.OutputTokens
	}
	if other.CachedReadTokens > u.CachedReadTokens {
		u.CachedReadTokens = other.CachedReadTokens
	}
	if other.CacheCreateTokens > u.CacheCreateTokens {
		u.CacheCreateTokens = other.CacheCreateTokens
	}
	if other.ActualInputTokens > u.ActualInputTokens {
		u.ActualInputTokens = other.ActualInputTokens
	}
	if other.TotalTokens > u.TotalTokens {
		u.TotalTokens = other.TotalTokens
	}
}

// UsageFromEvent looks for a usage object in one SSE event. Recognized
// carriers: message_start (nested under message), message_delta and bare
// chat chunks (top-level usage), and response.completed (nested under
// response).
func UsageFromEvent(evt sse.Event) (Usage, bool) {
	payload, ok := evt.JSON()
	if !ok {
		return Usage{}, false
	}

	switch evt.Type() {
	case "message_start":
		var msg struct {
			Message struct {
				Usage json.RawMessage `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &msg); err != nil {
			return Usage{}, false
		}
		return ExtractUsage(msg.Message.Usage)

	case "response.completed":
		var resp struct {
			Response struct {
				Usage json.RawMessage `json:"usage"`
			} `json:"response"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &resp); err != nil {
			return Usage{}, false
		}
		return ExtractUsage(resp.Response.Usage)

	default:
		if usageRaw, ok := payload["usage"]; ok {
			return ExtractUsage(usageRaw)
		}
		return Usage{}, false
	}
}

// UsageFromResponseBody extracts usage from a buffered (non-streaming)
// response body.
func UsageFromResponseBody(body []byte) (Usage, bool) {
	var resp struct {
		Usage json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Usage{}, false
	}
	return ExtractUsage(resp.Usage)
}

// ResolveModel picks the model name to attribute usage to: the model the
// provider reports, else the requested model, else "gpt-4".
func ResolveModel(responseModel, requestedModel string) string {
	if responseModel != "" {
		return responseModel
	}
	if requestedModel != "" {
		return requestedModel
	}
	return "gpt-4"
}

// ModelFromResponseBody reads the "model" field of a buffered response.
func ModelFromResponseBody(body []byte) string {
	var resp struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return resp.Model
}
