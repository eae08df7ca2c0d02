package translate

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// RequestTranslator rewrites user-authored prompt text on the ingress
// path (zh→en by default). Translation is strictly best-effort: any
// failure leaves the original text in place and the request proceeds.
type RequestTranslator struct {
	svc *Service
}

// NewRequestTranslator wraps the translation service for ingress use.
func NewRequestTranslator(svc *Service) *RequestTranslator {
	return &RequestTranslator{svc: svc}
}

// translatable reports whether the account opts this request into
// translation. Exposed through the Account method so the request and
// response paths share one truthy rule.
type translatable interface {
	TranslationEnabled() bool
	SourceLang() string
	TargetLang() string
}

// TranslateRequest rewrites the user-role messages of a chat request
// body. When acc is nil or translation is disabled, the input slice is
// returned as-is (identity). Otherwise a new body is produced; messages
// that were not rewritten keep their original bytes, and every other
// top-level field is carried over untouched as raw JSON.
func (t *RequestTranslator) TranslateRequest(ctx context.Context, body []byte, acc translatable) []byte {
	if acc == nil || !acc.TranslationEnabled() {
		return body
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		slog.Warn("request translation skipped: body is not a JSON object", "error", err)
		return body
	}

	messagesRaw, ok := envelope["messages"]
	if !ok {
		return body
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(messagesRaw, &messages); err != nil {
		slog.Warn("request translation skipped: messages is not an array", "error", err)
		return body
	}

	src, tgt := acc.SourceLang(), acc.TargetLang()
	changed := false
	for i, msgRaw := range messages {
		rewritten, didChange := t.translateMessage(ctx, msgRaw, src, tgt)
		if didChange {
			messages[i] = rewritten
			changed = true
		}
	}
	if !changed {
		return body
	}

	newMessages, err := json.Marshal(messages)
	if err != nil {
		slog.Error("request translation: re-marshaling messages failed", "error", err)
		return body
	}
	envelope["messages"] = newMessages

	newBody, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("request translation: re-marshaling body failed", "error", err)
		return body
	}
	return newBody
}

// translateMessage rewrites one message if it is user-role and carries
// translatable text. Returns the (possibly original) message and whether
// it changed. Assistant and system messages are never touched.
func (t *RequestTranslator) translateMessage(ctx context.Context, msgRaw json.RawMessage, src, tgt string) (json.RawMessage, bool) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(msgRaw, &msg); err != nil {
		return msgRaw, false
	}

	var role string
	if roleRaw, ok := msg["role"]; ok {
		json.Unmarshal(roleRaw, &role)
	}
	if role != "user" {
		return msgRaw, false
	}

	contentRaw, ok := msg["content"]
	if !ok {
		return msgRaw, false
	}

	// String content: translate the whole string.
	var text string
	if err := json.Unmarshal(contentRaw, &text); err == nil {
		translated := t.TranslateText(ctx, text, src, tgt)
		if translated == text {
			return msgRaw, false
		}
		newContent, err := json.Marshal(translated)
		if err != nil {
			return msgRaw, false
		}
		msg["content"] = newContent
		return remarshalMessage(msg, msgRaw)
	}

	// Block-array content: translate only type=="text" blocks. Image,
	// tool_use, and tool_result blocks pass through byte-identical —
	// tool_result content may hold natural language, but it is structured
	// data the tool produced, not user prose.
	var blocks []json.RawMessage
	if err := json.Unmarshal(contentRaw, &blocks); err != nil {
		return msgRaw, false
	}

	blockChanged := false
	for i, blockRaw := range blocks {
		var block map[string]json.RawMessage
		if err := json.Unmarshal(blockRaw, &block); err != nil {
			continue
		}
		var blockType string
		if typeRaw, ok := block["type"]; ok {
			json.Unmarshal(typeRaw, &blockType)
		}
		if blockType != "text" {
			continue
		}
		var blockText string
		if textRaw, ok := block["text"]; ok {
			if err := json.Unmarshal(textRaw, &blockText); err != nil {
				continue
			}
		}
		translated := t.TranslateText(ctx, blockText, src, tgt)
		if translated == blockText {
			continue
		}
		newText, err := json.Marshal(translated)
		if err != nil {
			continue
		}
		block["text"] = newText
		newBlock, err := json.Marshal(block)
		if err != nil {
			continue
		}
		blocks[i] = newBlock
		blockChanged = true
	}
	if !blockChanged {
		return msgRaw, false
	}

	newContent, err := json.Marshal(blocks)
	if err != nil {
		return msgRaw, false
	}
	msg["content"] = newContent
	return remarshalMessage(msg, msgRaw)
}

func remarshalMessage(msg map[string]json.RawMessage, original json.RawMessage) (json.RawMessage, bool) {
	out, err := json.Marshal(msg)
	if err != nil {
		return original, false
	}
	return out, true
}

// TranslateText runs the ingress text sub-pipeline: skip text with no
// Chinese runes, protect code with placeholders, translate, restore. Any
// error logs and returns the original text.
func (t *RequestTranslator) TranslateText(ctx context.Context, text, src, tgt string) string {
	if text == "" || !ContainsChinese(text) {
		return text
	}

	clean, placeholders := ExtractCodeBlocks(text)
	if strings.TrimSpace(placeholderRe.ReplaceAllString(clean, "")) == "" {
		// Nothing but code — translating would only risk corruption.
		return text
	}

	translated, err := t.svc.Translate(ctx, clean, src, tgt)
	if err != nil {
		slog.Warn("request translation failed, using original text", "error", err)
		return text
	}

	return RestoreCodeBlocks(translated, placeholders)
}
