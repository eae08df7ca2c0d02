// Package translate implements the bidirectional prompt translation
// pipeline that sits on top of the relay: user-authored Chinese text is
// rewritten to English before a request is forwarded upstream, and
// assistant English text deltas are rewritten back to Chinese on the
// streaming response path. Code, tool payloads, images, and structured
// fields are never touched.
package translate

import (
	"fmt"
	"regexp"
	"strings"
)

// Placeholder markers substituted for code before a string is handed to
// the translation model. The model is instructed to echo them verbatim;
// RestoreCodeBlocks swaps the originals back in afterwards.
const (
	fencedPlaceholderFmt = "__CODE_BLOCK_%d__"
	inlinePlaceholderFmt = "__INLINE_CODE_%d__"
)

// fencedRe matches a fenced code block, non-greedy from fence to fence so
// adjacent blocks are not merged. (?s) lets . cross newlines.
var fencedRe = regexp.MustCompile("(?s)```.*?```")

// inlineRe matches an inline code span: single backticks with no backtick
// inside. Runs after fenced extraction so fence characters are gone.
var inlineRe = regexp.MustCompile("`[^`\n]+`")

// placeholderRe matches any placeholder of either kind, used by
// IsCodeOnly to strip them before the whitespace check.
var placeholderRe = regexp.MustCompile(`__(?:CODE_BLOCK|INLINE_CODE)_\d+__`)

// Placeholders is the ordered placeholder→code mapping produced by one
// ExtractCodeBlocks call. Order matters: restoration iterates in
// insertion order, fenced blocks first.
type Placeholders struct {
	keys   []string
	values map[string]string
}

// Len returns the number of placeholders.
func (p *Placeholders) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Get returns the original code for a placeholder key.
func (p *Placeholders) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p.values[key]
	return v, ok
}

func (p *Placeholders) add(key, value string) {
	p.keys = append(p.keys, key)
	p.values[key] = value
}

// ExtractCodeBlocks replaces code in text with stable placeholders so the
// translator cannot corrupt it. Two passes: fenced blocks first, then
// inline spans on the result. The numeric suffix is a single counter
// across both passes.
func ExtractCodeBlocks(text string) (string, *Placeholders) {
	ph := &Placeholders{values: make(map[string]string)}
	if text == "" {
		return "", ph
	}

	counter := 0

	clean := fencedRe.ReplaceAllStringFunc(text, func(m string) string {
		key := fmt.Sprintf(fencedPlaceholderFmt, counter)
		counter++
		ph.add(key, m)
		return key
	})

	clean = inlineRe.ReplaceAllStringFunc(clean, func(m string) string {
		key := fmt.Sprintf(inlinePlaceholderFmt, counter)
		counter++
		ph.add(key, m)
		return key
	})

	return clean, ph
}

// RestoreCodeBlocks substitutes the original code back for every
// placeholder. Split-and-join rather than a single Replace call: if the
// translator echoed a placeholder twice, every occurrence is restored.
func RestoreCodeBlocks(translated string, ph *Placeholders) string {
	if ph == nil || len(ph.keys) == 0 {
		return translated
	}
	out := translated
	for _, key := range ph.keys {
		out = strings.Join(strings.Split(out, key), ph.values[key])
	}
	return out
}

// IsCodeOnly reports whether text consists entirely of code: after
// extraction and with all placeholders stripped, nothing but whitespace
// remains. Such text is skipped by the translators.
func IsCodeOnly(text string) bool {
	if text == "" {
		return false
	}
	clean, _ := ExtractCodeBlocks(text)
	rest := placeholderRe.ReplaceAllString(clean, "")
	return strings.TrimSpace(rest) == ""
}

// CountCodeBlocks returns the number of fenced blocks and inline spans in
// text. Fenced content is removed before inline counting so backticks
// inside a fence are not double-counted.
func CountCodeBlocks(text string) (fenced, inline int) {
	if text == "" {
		return 0, 0
	}
	withoutFenced := fencedRe.ReplaceAllStringFunc(text, func(m string) string {
		fenced++
		return ""
	})
	inline = len(inlineRe.FindAllString(withoutFenced, -1))
	return fenced, inline
}
