package translate

import "strings"

// sentenceTerminators are the boundary runes: Chinese and English
// sentence-ending punctuation plus newline. A terminator is kept at the
// end of the sentence it closes.
var sentenceTerminators = map[rune]bool{
	'。': true,
	'？': true,
	'！': true,
	'.':  true,
	'?':  true,
	'!':  true,
	'\n': true,
}

// SentenceBuffer accumulates streamed text chunks and emits whole
// sentences at punctuation or newline boundaries. It is a pure delimiter
// splitter — no language detection. A '.' inside a decimal or an
// abbreviation causes an early break; the resulting phrase is still
// translatable, so this is accepted.
//
// Not thread-safe: each streaming response owns exactly one buffer.
type SentenceBuffer struct {
	buf strings.Builder
}

// NewSentenceBuffer returns an empty buffer.
func NewSentenceBuffer() *SentenceBuffer {
	return &SentenceBuffer{}
}

// Add appends chunk and returns every complete sentence now available, in
// order. Text after the last terminator stays buffered.
func (b *SentenceBuffer) Add(chunk string) []string {
	if chunk == "" {
		return nil
	}
	b.buf.WriteString(chunk)

	text := b.buf.String()
	var sentences []string
	start := 0
	for i, r := range text {
		if sentenceTerminators[r] {
			end := i + len(string(r))
			sentences = append(sentences, text[start:end])
			start = end
		}
	}
	if len(sentences) == 0 {
		return nil
	}

	b.buf.Reset()
	b.buf.WriteString(text[start:])
	return sentences
}

// Flush returns whatever is still buffered and empties the buffer.
func (b *SentenceBuffer) Flush() string {
	out := b.buf.String()
	b.buf.Reset()
	return out
}

// Reset discards any buffered text.
func (b *SentenceBuffer) Reset() {
	b.buf.Reset()
}

// Peek returns the buffered remainder without consuming it.
func (b *SentenceBuffer) Peek() string {
	return b.buf.String()
}

// Empty reports whether nothing is buffered.
func (b *SentenceBuffer) Empty() bool {
	return b.buf.Len() == 0
}

// Len returns the buffered byte count.
func (b *SentenceBuffer) Len() int {
	return b.buf.Len()
}
