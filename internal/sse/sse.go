// Package sse implements Server-Sent-Event framing for the relay: an
// incremental accumulator that splits an upstream byte stream into
// events, and a writer that re-emits events to the client.
//
// Both Anthropic and OpenAI stream over SSE but frame differently:
//
//	Anthropic: "event: <type>\ndata: <json>\n\n"
//	OpenAI:    "data: <json>\n\n", terminated by "data: [DONE]"
//
// Unlike a scanner that reads until EOF, the accumulator is fed one chunk
// at a time so the relay can tee chunks to the client while extracting
// complete events for usage accounting and translation.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Done is the OpenAI stream-termination sentinel. It is forwarded as
// received and never synthesized.
const Done = "[DONE]"

// Event is a single decoded Server-Sent Event.
type Event struct {
	Name string // "event:" line value, empty for OpenAI-style streams.
	Data string // Joined "data:" payload or "[DONE]".
}

// IsDone reports whether this is the [DONE] sentinel.
func (e Event) IsDone() bool {
	return e.Data == Done
}

// JSON decodes the data payload into a generic map. Returns false for
// the [DONE] sentinel, empty data, or malformed JSON.
func (e Event) JSON() (map[string]json.RawMessage, bool) {
	if e.Data == "" || e.IsDone() {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(e.Data), &m); err != nil {
		return nil, false
	}
	return m, true
}

// Type returns the payload's "type" field, falling back to the event
// name. Empty when neither is present.
func (e Event) Type() string {
	if m, ok := e.JSON(); ok {
		if typeRaw, ok := m["type"]; ok {
			var t string
			if json.Unmarshal(typeRaw, &t) == nil {
				return t
			}
		}
	}
	return e.Name
}

// Accumulator splits a chunked byte stream into SSE events. The tail
// after the last "\n\n" terminator is retained for the next Feed call.
type Accumulator struct {
	buf []byte
}

// Feed appends chunk and returns every complete event now available.
// Decode failures inside an event are not fatal: the raw block is still
// returned as an event with its data lines joined.
func (a *Accumulator) Feed(chunk []byte) []Event {
	a.buf = append(a.buf, chunk...)

	var events []Event
	for {
		idx := strings.Index(string(a.buf), "\n\n")
		if idx < 0 {
			return events
		}
		block := string(a.buf[:idx])
		a.buf = a.buf[idx+2:]

		if evt, ok := parseBlock(block); ok {
			events = append(events, evt)
		}
	}
}

// Drain returns the event in any remaining buffered bytes, if the stream
// ended without a final terminator, and resets the accumulator.
func (a *Accumulator) Drain() []Event {
	if len(a.buf) == 0 {
		return nil
	}
	block := string(a.buf)
	a.buf = nil
	if evt, ok := parseBlock(block); ok {
		return []Event{evt}
	}
	return nil
}

// parseBlock scans one event block line-by-line for "event:" and "data:"
// lines. Comment lines (":") and unknown lines are ignored. Blocks with
// no data line (e.g. a bare "event: ping") produce no event.
func parseBlock(block string) (Event, bool) {
	var evt Event
	var dataLines []string

	for _, line := range strings.Split(block, "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if len(dataLines) == 0 {
		return Event{}, false
	}
	evt.Data = strings.Join(dataLines, "\n")
	return evt, true
}

// Writer emits SSE frames to an HTTP response, flushing after each write
// so events reach the client immediately.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	failed  bool
}

// NewWriter wraps an io.Writer. If it implements http.Flusher, every
// write is flushed.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Failed reports whether a previous write errored. Once a write fails the
// client is gone; further writes are skipped.
func (w *Writer) Failed() bool {
	return w.failed
}

// WriteEvent emits one event with "event:"/"data:" framing. Events with
// no name are written as bare data frames (OpenAI style).
func (w *Writer) WriteEvent(evt Event) error {
	if w.failed {
		return nil
	}
	var err error
	if evt.Name != "" {
		_, err = fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", evt.Name, evt.Data)
	} else {
		_, err = fmt.Fprintf(w.w, "data: %s\n\n", evt.Data)
	}
	if err != nil {
		w.failed = true
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// WriteRaw forwards raw upstream bytes unchanged. Used by the
// non-translated splice path so the client sees byte-identical frames.
func (w *Writer) WriteRaw(chunk []byte) error {
	if w.failed {
		return nil
	}
	if _, err := w.w.Write(chunk); err != nil {
		w.failed = true
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// SetHeaders sets the standard streaming response headers.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
