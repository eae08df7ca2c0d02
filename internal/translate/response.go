package translate

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/relaybridge/relaybridge/internal/sse"
)

// ResponseTranslator rewrites assistant text deltas (en→zh by default) on
// the egress SSE path. One instance is scoped to one HTTP response and is
// never shared: it carries per-stream state (current block, sentence
// buffer, counters).
//
// Only text_delta payloads inside a text content block are translated.
// tool_use blocks, input_json_delta payloads, block boundaries, message_*
// events, pings, errors, and unknown event types pass through verbatim,
// in source order. Translations are awaited sequentially, so translated
// deltas are emitted in the order their sentences were observed.
type ResponseTranslator struct {
	svc *Service
	acc translatable
	out *sse.Writer

	currentBlockType  string
	currentBlockIndex int
	buf               *SentenceBuffer
	finalized         bool

	stats ResponseStats
}

// ResponseStats counts what one response translator did.
type ResponseStats struct {
	TotalEvents         int
	TextDeltas          int
	SentencesTranslated int
	TranslationErrors   int
	PassThroughs        int
}

// NewResponseTranslator creates a translator writing to out for one
// response on behalf of acc.
func NewResponseTranslator(svc *Service, acc translatable, out *sse.Writer) *ResponseTranslator {
	return &ResponseTranslator{
		svc:               svc,
		acc:               acc,
		out:               out,
		currentBlockIndex: -1,
		buf:               NewSentenceBuffer(),
	}
}

// Stats returns the running counters.
func (rt *ResponseTranslator) Stats() ResponseStats {
	return rt.stats
}

// ProcessEvent handles one upstream SSE event: translate-and-re-emit for
// assistant text, verbatim pass-through for everything else.
func (rt *ResponseTranslator) ProcessEvent(ctx context.Context, evt sse.Event) error {
	rt.stats.TotalEvents++

	// Fast path: account opted out, everything passes through.
	if rt.acc == nil || !rt.acc.TranslationEnabled() {
		rt.stats.PassThroughs++
		return rt.out.WriteEvent(evt)
	}

	payload, ok := evt.JSON()
	if !ok {
		// [DONE] sentinel, empty data, or undecodable payload.
		rt.stats.PassThroughs++
		return rt.out.WriteEvent(evt)
	}

	switch evt.Type() {
	case "content_block_start":
		rt.currentBlockType = nestedString(payload, "content_block", "type")
		rt.currentBlockIndex = intField(payload, "index")
		rt.buf.Reset()
		return rt.out.WriteEvent(evt)

	case "content_block_delta":
		return rt.processDelta(ctx, evt, payload)

	case "content_block_stop":
		if err := rt.flushBlock(ctx, evt.Name); err != nil {
			return err
		}
		rt.currentBlockType = ""
		rt.currentBlockIndex = -1
		return rt.out.WriteEvent(evt)

	default:
		// message_start, message_delta, message_stop, ping, error, and
		// anything this proxy has never heard of.
		rt.stats.PassThroughs++
		return rt.out.WriteEvent(evt)
	}
}

// processDelta dispatches a content_block_delta on the current block
// type. tool_use deltas are never buffered or parsed as JSON.
func (rt *ResponseTranslator) processDelta(ctx context.Context, evt sse.Event, payload map[string]json.RawMessage) error {
	if rt.currentBlockType != "text" {
		rt.stats.PassThroughs++
		return rt.out.WriteEvent(evt)
	}

	if nestedString(payload, "delta", "type") != "text_delta" {
		rt.stats.PassThroughs++
		return rt.out.WriteEvent(evt)
	}

	rt.stats.TextDeltas++
	text := nestedString(payload, "delta", "text")
	for _, sentence := range rt.buf.Add(text) {
		if err := rt.emitTranslated(ctx, sentence, evt.Name); err != nil {
			return err
		}
	}
	return nil
}

// flushBlock drains the sentence buffer at a text block boundary and
// emits any non-whitespace remainder as one final translated delta.
func (rt *ResponseTranslator) flushBlock(ctx context.Context, eventName string) error {
	if rt.currentBlockType != "text" {
		return nil
	}
	rest := rt.buf.Flush()
	if strings.TrimSpace(rest) == "" {
		return nil
	}
	return rt.emitTranslated(ctx, rest, eventName)
}

// emitTranslated translates one sentence en→zh and writes a synthetic
// text_delta carrying the result. A translation failure falls back to the
// original sentence — the client always gets the content.
func (rt *ResponseTranslator) emitTranslated(ctx context.Context, sentence, eventName string) error {
	translated := rt.translateSentence(ctx, sentence)
	data, err := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"index": rt.currentBlockIndex,
		"delta": map[string]any{"type": "text_delta", "text": translated},
	})
	if err != nil {
		return err
	}
	return rt.out.WriteEvent(sse.Event{Name: eventName, Data: string(data)})
}

// translateSentence runs the egress text sub-pipeline: protect code,
// translate in the reverse direction of the ingress pair, restore. There
// is no contains-Chinese guard here — the assistant output is English by
// construction.
func (rt *ResponseTranslator) translateSentence(ctx context.Context, sentence string) string {
	if strings.TrimSpace(sentence) == "" {
		return sentence
	}

	clean, placeholders := ExtractCodeBlocks(sentence)
	if strings.TrimSpace(placeholderRe.ReplaceAllString(clean, "")) == "" {
		return sentence
	}

	translated, err := rt.svc.Translate(ctx, clean, rt.acc.TargetLang(), rt.acc.SourceLang())
	if err != nil {
		rt.stats.TranslationErrors++
		slog.Warn("response translation failed, passing original sentence", "error", err)
		return sentence
	}

	rt.stats.SentencesTranslated++
	return RestoreCodeBlocks(translated, placeholders)
}

// Finalize is called at end-of-stream. Idempotent. Buffered text at this
// point means upstream ended without a content_block_stop; it is logged
// and discarded rather than emitted after the stream is over.
func (rt *ResponseTranslator) Finalize() {
	if rt.finalized {
		return
	}
	rt.finalized = true
	if !rt.buf.Empty() {
		slog.Warn("stream ended with untranslated text in sentence buffer",
			"discarded_bytes", rt.buf.Len())
		rt.buf.Reset()
	}
}

// nestedString reads payload[outer][inner] as a string, empty on any miss.
func nestedString(payload map[string]json.RawMessage, outer, inner string) string {
	outerRaw, ok := payload[outer]
	if !ok {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(outerRaw, &m); err != nil {
		return ""
	}
	innerRaw, ok := m[inner]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(innerRaw, &s); err != nil {
		return ""
	}
	return s
}

// intField reads payload[key] as an int, zero on any miss.
func intField(payload map[string]json.RawMessage, key string) int {
	raw, ok := payload[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}
