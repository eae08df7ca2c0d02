package sse

import (
	"bytes"
	"testing"
)

func TestAccumulator_SingleEvent(t *testing.T) {
	var a Accumulator
	events := a.Feed([]byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n"))

	if len(events) != 1 {
		t.Fatalf("events: expected 1, got %d", len(events))
	}
	if events[0].Name != "message_start" {
		t.Errorf("name: got %q", events[0].Name)
	}
	if events[0].Data != `{"type":"message_start"}` {
		t.Errorf("data: got %q", events[0].Data)
	}
}

func TestAccumulator_SplitAcrossChunks(t *testing.T) {
	var a Accumulator

	// A frame arriving in three TCP-sized fragments.
	if got := a.Feed([]byte("event: content_block")); got != nil {
		t.Errorf("partial chunk emitted events: %v", got)
	}
	if got := a.Feed([]byte("_delta\ndata: {\"x\":1}")); got != nil {
		t.Errorf("still-partial chunk emitted events: %v", got)
	}
	events := a.Feed([]byte("\n\nevent: ping\ndata: {}\n\n"))

	if len(events) != 2 {
		t.Fatalf("events: expected 2, got %d", len(events))
	}
	if events[0].Name != "content_block_delta" || events[0].Data != `{"x":1}` {
		t.Errorf("first event: %+v", events[0])
	}
	if events[1].Name != "ping" {
		t.Errorf("second event: %+v", events[1])
	}
}

func TestAccumulator_OpenAIStyle(t *testing.T) {
	var a Accumulator
	events := a.Feed([]byte("data: {\"choices\":[]}\n\ndata: [DONE]\n\n"))

	if len(events) != 2 {
		t.Fatalf("events: expected 2, got %d", len(events))
	}
	if events[0].Name != "" {
		t.Errorf("openai event should have no name, got %q", events[0].Name)
	}
	if !events[1].IsDone() {
		t.Error("second event should be the [DONE] sentinel")
	}
}

func TestAccumulator_MultiDataLines(t *testing.T) {
	var a Accumulator
	events := a.Feed([]byte("data: line1\ndata: line2\n\n"))

	if len(events) != 1 {
		t.Fatalf("events: expected 1, got %d", len(events))
	}
	if events[0].Data != "line1\nline2" {
		t.Errorf("joined data: got %q", events[0].Data)
	}
}

func TestAccumulator_NoDataBlockDropped(t *testing.T) {
	var a Accumulator
	events := a.Feed([]byte("event: ping\n\n: comment line\n\n"))
	if len(events) != 0 {
		t.Errorf("data-less blocks should be dropped, got %v", events)
	}
}

func TestAccumulator_Drain(t *testing.T) {
	var a Accumulator
	a.Feed([]byte("data: {\"tail\":true}"))

	events := a.Drain()
	if len(events) != 1 || events[0].Data != `{"tail":true}` {
		t.Errorf("drain: got %+v", events)
	}
	if got := a.Drain(); got != nil {
		t.Errorf("second drain should be empty, got %v", got)
	}
}

func TestEvent_Type(t *testing.T) {
	tests := []struct {
		evt  Event
		want string
	}{
		{Event{Name: "message_start", Data: `{"type":"message_start"}`}, "message_start"},
		{Event{Name: "wrapper", Data: `{"type":"inner"}`}, "inner"}, // payload wins
		{Event{Name: "ping", Data: `not json`}, "ping"},
		{Event{Data: `{"choices":[]}`}, ""},
	}
	for _, tt := range tests {
		if got := tt.evt.Type(); got != tt.want {
			t.Errorf("Type(%+v) = %q, want %q", tt.evt, got, tt.want)
		}
	}
}

func TestEvent_JSON(t *testing.T) {
	evt := Event{Data: `{"a":1}`}
	m, ok := evt.JSON()
	if !ok || string(m["a"]) != "1" {
		t.Errorf("JSON: got %v/%v", m, ok)
	}

	if _, ok := (Event{Data: Done}).JSON(); ok {
		t.Error("[DONE] must not decode as JSON")
	}
	if _, ok := (Event{}).JSON(); ok {
		t.Error("empty data must not decode as JSON")
	}
}

func TestWriter_WriteEvent(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	w.WriteEvent(Event{Name: "message_stop", Data: `{"type":"message_stop"}`})
	w.WriteEvent(Event{Data: `{"x":1}`})

	want := "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\ndata: {\"x\":1}\n\n"
	if buf.String() != want {
		t.Errorf("frames:\n  got  %q\n  want %q", buf.String(), want)
	}
}

// errWriter fails every write.
type errWriter struct{}

func (errWriter) Write(p []byte) (int, error) {
	return 0, bytes.ErrTooLarge
}

func TestWriter_FailedSticky(t *testing.T) {
	w := NewWriter(errWriter{})

	if err := w.WriteEvent(Event{Data: "x"}); err == nil {
		t.Fatal("expected write error")
	}
	if !w.Failed() {
		t.Error("Failed should report true after an error")
	}
	// Subsequent writes are skipped without error.
	if err := w.WriteRaw([]byte("y")); err != nil {
		t.Errorf("writes after failure should be no-ops, got %v", err)
	}
}

func TestWriter_RawRoundTrip(t *testing.T) {
	// Raw forwarding preserves upstream bytes exactly, so a downstream
	// parser sees identical events.
	raw := []byte("event: content_block_delta\ndata: {\"delta\":{\"text\":\"hi\"}}\n\n")

	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteRaw(raw)

	if !bytes.Equal(buf.Bytes(), raw) {
		t.Errorf("raw bytes altered: %q", buf.String())
	}
}
