package usagelog

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func stamp(offset time.Duration) string {
	return time.Now().UTC().Add(offset).Format(time.RFC3339Nano)
}

func TestLog_RecordAndTail(t *testing.T) {
	l, dir := openTestLog(t)

	l.Record(Entry{APIKey: "k1", Account: "acc1", Model: "claude-sonnet-4", Status: 200, InputTokens: 10, OutputTokens: 5})
	l.Record(Entry{APIKey: "k2", Account: "acc2", Model: "gpt-4o", Status: 200, InputTokens: 20, OutputTokens: 8})

	entries, err := l.Tail(10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: expected 2, got %d", len(entries))
	}
	if entries[0].Account != "acc1" || entries[1].Account != "acc2" {
		t.Errorf("chronological order: %+v", entries)
	}
	if entries[0].Timestamp == "" {
		t.Error("timestamp not stamped on record")
	}

	// The JSONL file is the source of truth and must hold both lines.
	today := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, today+".jsonl"))
	if err != nil {
		t.Fatalf("reading jsonl: %v", err)
	}
	if lines := strings.Count(strings.TrimSpace(string(data)), "\n") + 1; lines != 2 {
		t.Errorf("jsonl lines: expected 2, got %d", lines)
	}
}

func TestLog_TailLimit(t *testing.T) {
	l, _ := openTestLog(t)
	for i := 0; i < 5; i++ {
		l.Record(Entry{Timestamp: stamp(time.Duration(i) * time.Second), Account: "acc1", Model: "m", Status: 200})
	}

	entries, err := l.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("limit: expected 2 entries, got %d", len(entries))
	}
}

func TestLog_QueryFilters(t *testing.T) {
	l, _ := openTestLog(t)
	l.Record(Entry{Timestamp: stamp(0), APIKey: "k1", Account: "acc1", Model: "claude-sonnet-4", Status: 200})
	l.Record(Entry{Timestamp: stamp(time.Second), APIKey: "k2", Account: "acc2", Model: "gpt-4o", Status: 200})
	l.Record(Entry{Timestamp: stamp(2 * time.Second), APIKey: "k1", Account: "acc2", Model: "gpt-4o", Status: 200})

	byKey, err := l.Query(QueryParams{APIKey: "k1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byKey) != 2 {
		t.Errorf("api key filter: expected 2, got %d", len(byKey))
	}

	byAccount, err := l.Query(QueryParams{Account: "acc1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byAccount) != 1 || byAccount[0].Account != "acc1" {
		t.Errorf("account filter: %+v", byAccount)
	}

	byModel, err := l.Query(QueryParams{Model: "gpt-4o", APIKey: "k2"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byModel) != 1 {
		t.Errorf("combined filter: expected 1, got %d", len(byModel))
	}
}

func TestLog_QuerySinceDuration(t *testing.T) {
	l, _ := openTestLog(t)
	l.Record(Entry{Timestamp: stamp(-48 * time.Hour), Account: "old", Model: "m", Status: 200})
	l.Record(Entry{Timestamp: stamp(-time.Hour), Account: "recent", Model: "m", Status: 200})

	entries, err := l.Query(QueryParams{Since: "24h"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].Account != "recent" {
		t.Errorf("since filter: %+v", entries)
	}

	if _, err := l.Query(QueryParams{Since: "not-a-duration"}); err == nil {
		t.Error("invalid since value must fail")
	}
}

func TestLog_Sum(t *testing.T) {
	l, _ := openTestLog(t)
	l.Record(Entry{Timestamp: stamp(0), Account: "acc1", Model: "m", Status: 200, InputTokens: 10, OutputTokens: 5, TotalTokens: 15, Cost: 0.5})
	l.Record(Entry{Timestamp: stamp(time.Second), Account: "acc1", Model: "m", Status: 200, InputTokens: 20, OutputTokens: 10, TotalTokens: 30, Cost: 1.5})

	totals, err := l.Sum(QueryParams{Account: "acc1"})
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if totals.Requests != 2 || totals.InputTokens != 30 || totals.OutputTokens != 15 {
		t.Errorf("totals: %+v", totals)
	}
	if totals.Cost != 2.0 {
		t.Errorf("cost total: got %v", totals.Cost)
	}
}

func TestLog_ExportFormats(t *testing.T) {
	l, _ := openTestLog(t)
	l.Record(Entry{APIKey: "k1", Account: "acc1", Model: "m", Status: 200, InputTokens: 1, OutputTokens: 2})

	var jsonl bytes.Buffer
	if err := l.Export(&jsonl, "jsonl"); err != nil {
		t.Fatalf("Export jsonl: %v", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(jsonl.String())), &e); err != nil {
		t.Fatalf("jsonl line: %v", err)
	}
	if e.Account != "acc1" {
		t.Errorf("jsonl entry: %+v", e)
	}

	var asJSON bytes.Buffer
	if err := l.Export(&asJSON, "json"); err != nil {
		t.Fatalf("Export json: %v", err)
	}
	var list []Entry
	if err := json.Unmarshal(asJSON.Bytes(), &list); err != nil || len(list) != 1 {
		t.Errorf("json export: %v, %d entries", err, len(list))
	}

	var asCSV bytes.Buffer
	if err := l.Export(&asCSV, "csv"); err != nil {
		t.Fatalf("Export csv: %v", err)
	}
	records, err := csv.NewReader(&asCSV).ReadAll()
	if err != nil {
		t.Fatalf("csv parse: %v", err)
	}
	// Header plus one record.
	if len(records) != 2 || records[1][2] != "acc1" {
		t.Errorf("csv export: %+v", records)
	}

	if err := l.Export(&bytes.Buffer{}, "xml"); err == nil {
		t.Error("unsupported format must fail")
	}
}

func TestLog_SkipsMalformedLines(t *testing.T) {
	l, dir := openTestLog(t)
	l.Record(Entry{Account: "acc1", Model: "m", Status: 200})

	// Corrupt the file by hand; reads must survive.
	today := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, today+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening jsonl: %v", err)
	}
	f.WriteString("{not valid json\n\n")
	f.Close()

	var out bytes.Buffer
	if err := l.Export(&out, "jsonl"); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if got := strings.Count(strings.TrimSpace(out.String()), "\n") + 1; got != 1 {
		t.Errorf("exported lines: expected 1, got %d", got)
	}
}
