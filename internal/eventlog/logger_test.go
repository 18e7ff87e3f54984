package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "logs", "tempo.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLogger_WritesJSONLines(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	if err := l.LogCapture(CaptureStarted, "capture started", CaptureDetails{Source: "default"}); err != nil {
		t.Fatal(err)
	}
	if err := l.LogTempo(TempoDetails{BPM: 120, RawBPM: 240, Peaks: 18, Chunk: 1}); err != nil {
		t.Fatal(err)
	}
	if err := l.LogTempo(TempoDetails{Peaks: 1, Chunk: 2}); err != nil {
		t.Fatal(err)
	}

	events, more, err := ReadLast(l.Path(), 10, 0, FilterAll)
	if err != nil {
		t.Fatalf("ReadLast() error = %v", err)
	}
	if more {
		t.Error("ReadLast() more = true, want false")
	}

	wantTypes := []EventType{TempoUnknown, TempoEstimate, CaptureStarted}
	if len(events) != len(wantTypes) {
		t.Fatalf("ReadLast() = %d events, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("events[%d].Type = %s, want %s", i, events[i].Type, want)
		}
	}

	var d TempoDetails
	if err := json.Unmarshal(events[1].Details, &d); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if d.BPM != 120 || d.RawBPM != 240 {
		t.Errorf("tempo details = %+v, want bpm 120 raw 240", d)
	}
}

func TestReadLast_FilterAndPaging(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	for i := range 5 {
		_ = l.LogTempo(TempoDetails{BPM: 100 + i, Chunk: i})
		_ = l.LogCapture(CaptureTimeout, "", CaptureDetails{Timeouts: i + 1})
	}

	tempo, more, err := ReadLast(l.Path(), 2, 1, FilterTempo)
	if err != nil {
		t.Fatal(err)
	}
	if len(tempo) != 2 || !more {
		t.Fatalf("ReadLast(tempo, 2, 1) = %d events more=%v, want 2 and more", len(tempo), more)
	}
	var d TempoDetails
	_ = json.Unmarshal(tempo[0].Details, &d)
	if d.BPM != 103 {
		t.Errorf("first paged bpm = %d, want 103", d.BPM)
	}

	capture, more, err := ReadLast(l.Path(), 10, 0, FilterCapture)
	if err != nil {
		t.Fatal(err)
	}
	if len(capture) != 5 || more {
		t.Errorf("ReadLast(capture) = %d events more=%v, want 5 and no more", len(capture), more)
	}
	for _, e := range capture {
		if !IsCaptureEvent(e.Type) {
			t.Errorf("capture filter returned %s", e.Type)
		}
	}

	last, more, _ := ReadLast(l.Path(), 2, 3, FilterTempo)
	if len(last) != 2 || more {
		t.Errorf("ReadLast(tempo, 2, 3) = %d events more=%v, want 2 and no more", len(last), more)
	}
}

func TestReadLast_MissingFileAndMalformedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	events, more, err := ReadLast(filepath.Join(dir, "missing.jsonl"), 10, 0, FilterAll)
	if err != nil || len(events) != 0 || more {
		t.Errorf("ReadLast(missing) = %v, %v, %v; want empty", events, more, err)
	}

	path := filepath.Join(dir, "mixed.jsonl")
	data := "not json\n{\"ts\":\"2026-01-01T00:00:00Z\",\"type\":\"tempo_estimate\"}\n{broken\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	events, _, err = ReadLast(path, 10, 0, FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != TempoEstimate {
		t.Errorf("ReadLast(mixed) = %v, want the single valid event", events)
	}
}

func TestReadLast_LimitCapped(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	for i := range MaxReadLimit + 10 {
		_ = l.LogTempo(TempoDetails{BPM: 120, Chunk: i})
	}
	events, more, err := ReadLast(l.Path(), 10000, 0, FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != MaxReadLimit || !more {
		t.Errorf("ReadLast() = %d events more=%v, want %d and more", len(events), more, MaxReadLimit)
	}
}

func TestParseFilter(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "capture", "tempo", "archive"} {
		if _, err := ParseFilter(s); err != nil {
			t.Errorf("ParseFilter(%q) error = %v", s, err)
		}
	}
	if _, err := ParseFilter("silence"); err == nil {
		t.Error("ParseFilter(silence) error = nil, want error")
	}
}
