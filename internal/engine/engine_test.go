package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/oszuidwest/zwfm-tempo/internal/audio"
	"github.com/oszuidwest/zwfm-tempo/internal/capture"
	"github.com/oszuidwest/zwfm-tempo/internal/config"
	"github.com/oszuidwest/zwfm-tempo/internal/eventlog"
	"github.com/oszuidwest/zwfm-tempo/internal/types"
	"github.com/oszuidwest/zwfm-tempo/internal/util"
)

// fakeNotifier records the estimates it receives.
type fakeNotifier struct {
	mu        sync.Mutex
	estimates []types.Estimate
	resets    int
}

func (n *fakeNotifier) HandleEstimate(e types.Estimate) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.estimates = append(n.estimates, e)
	return true
}

func (n *fakeNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets++
}

// writeClickTrack writes a signed 16-bit mono WAV with a burst every interval seconds.
func writeClickTrack(t *testing.T, sampleRate, seconds int, interval float64) string {
	t.Helper()

	const (
		amplitude = 20000
		clickLen  = 441
	)
	total := sampleRate * seconds
	data := make([]int, total)
	step := interval * float64(sampleRate)
	for k := 0; ; k++ {
		start := int(float64(k) * step)
		if start >= total {
			break
		}
		for i := start; i < min(start+clickLen, total); i++ {
			data[i] = amplitude
		}
	}

	path := filepath.Join(t.TempDir(), "clicks.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestEngine(t *testing.T) (*Engine, *config.Config, *eventlog.Logger, *fakeNotifier) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.New(filepath.Join(dir, "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	events, err := eventlog.NewLogger(filepath.Join(dir, "tempo.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = events.Close() })

	n := &fakeNotifier{}
	e := New(cfg, "", events, n)
	e.backoff = util.NewBackoff(time.Millisecond, 2*time.Millisecond)
	return e, cfg, events, n
}

func waitForRun(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func eventTypes(t *testing.T, path string) []eventlog.EventType {
	t.Helper()
	events, _, err := eventlog.ReadLast(path, eventlog.MaxReadLimit, 0, eventlog.FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]eventlog.EventType, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev.Type
	}
	return out
}

func TestEngine_ReplaysWAVFile(t *testing.T) {
	t.Parallel()

	e, cfg, events, n := newTestEngine(t)
	if err := cfg.SetAudioFile(writeClickTrack(t, 44100, 10, 0.5), false); err != nil {
		t.Fatal(err)
	}

	sub := e.Subscribe()
	defer e.Unsubscribe(sub)

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForRun(t, e)

	if got := e.State(); got != types.StateStopped {
		t.Errorf("State() = %s, want %s", got, types.StateStopped)
	}
	if st := e.Status(); st.LastError != "" {
		t.Errorf("Status().LastError = %q, want empty", st.LastError)
	}

	last, ok := e.LastEstimate()
	if !ok {
		t.Fatal("LastEstimate() ok = false, want true")
	}
	if last.BPM != 120 || !last.Detected || last.Chunk != 2 {
		t.Errorf("LastEstimate() = %+v, want 120 bpm detected in chunk 2", last)
	}
	// Clicks peak at 20000 of 32768: about -4.3 dBFS, below the clip level.
	if last.Clipped != 0 || last.PeakDB < -5 || last.PeakDB > -4 {
		t.Errorf("LastEstimate() peak = %v dBFS with %d clipped, want about -4.3 and none", last.PeakDB, last.Clipped)
	}
	if !strings.HasPrefix(last.Source, "file:") {
		t.Errorf("LastEstimate().Source = %q, want file source", last.Source)
	}

	for i := range 2 {
		select {
		case est := <-sub:
			if est.Chunk != i+1 || est.BPM != 120 {
				t.Errorf("subscriber estimate %d = %+v, want chunk %d at 120 bpm", i, est, i+1)
			}
		default:
			t.Fatalf("subscriber received %d estimates, want 2", i)
		}
	}

	n.mu.Lock()
	if len(n.estimates) != 2 || n.resets != 1 {
		t.Errorf("notifier got %d estimates and %d resets, want 2 and 1", len(n.estimates), n.resets)
	}
	n.mu.Unlock()

	want := []eventlog.EventType{
		eventlog.CaptureStarted,
		eventlog.TempoEstimate,
		eventlog.TempoEstimate,
		eventlog.CaptureStopped,
	}
	got := eventTypes(t, events.Path())
	if len(got) != len(want) {
		t.Fatalf("event log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEngine_SingleClickReportsNoBeat(t *testing.T) {
	t.Parallel()

	e, cfg, _, _ := newTestEngine(t)
	if err := cfg.SetAudioFile(writeClickTrack(t, 44100, 5, 100), false); err != nil {
		t.Fatal(err)
	}

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	waitForRun(t, e)

	last, ok := e.LastEstimate()
	if !ok {
		t.Fatal("LastEstimate() ok = false, want true")
	}
	if last.Detected || last.BPM != 0 {
		t.Errorf("LastEstimate() = %+v, want undetected with bpm 0", last)
	}
}

func TestEngine_MissingFileStopsWithoutRetry(t *testing.T) {
	t.Parallel()

	e, cfg, _, _ := newTestEngine(t)
	if err := cfg.SetAudioFile(filepath.Join(t.TempDir(), "missing.wav"), false); err != nil {
		t.Fatal(err)
	}

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	waitForRun(t, e)

	st := e.Status()
	if st.State != types.StateStopped {
		t.Errorf("State = %s, want %s", st.State, types.StateStopped)
	}
	if st.LastError == "" {
		t.Error("LastError is empty, want open error")
	}
	if st.SourceRetryCount != 0 {
		t.Errorf("SourceRetryCount = %d, want 0", st.SourceRetryCount)
	}
}

// failingSource reports a device failure on every wait.
type failingSource struct{}

func (failingSource) WaitReady(context.Context, time.Duration) error {
	return errors.New("device unplugged")
}
func (failingSource) Read([]byte) (int, error) { return 0, nil }
func (failingSource) Close() error             { return nil }

func TestEngine_RetriesDeviceFailures(t *testing.T) {
	t.Parallel()

	e, _, events, _ := newTestEngine(t)
	var opened int
	e.open = func(*config.Snapshot, audio.Format) (capture.Source, error) {
		opened++
		return failingSource{}, nil
	}

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	waitForRun(t, e)

	if opened != types.MaxRetries {
		t.Errorf("sessions opened = %d, want %d", opened, types.MaxRetries)
	}
	st := e.Status()
	if st.State != types.StateStopped {
		t.Errorf("State = %s, want %s", st.State, types.StateStopped)
	}
	if !strings.Contains(st.LastError, "Stopped after 10 failed attempts") ||
		!strings.Contains(st.LastError, "device unplugged") {
		t.Errorf("LastError = %q, want give-up message with cause", st.LastError)
	}

	var retries, failures int
	for _, typ := range eventTypes(t, events.Path()) {
		switch typ {
		case eventlog.CaptureRetry:
			retries++
		case eventlog.CaptureError:
			failures++
		}
	}
	if retries != types.MaxRetries-1 || failures != types.MaxRetries {
		t.Errorf("retries=%d failures=%d, want %d and %d", retries, failures, types.MaxRetries-1, types.MaxRetries)
	}
}

func TestEngine_StartStop(t *testing.T) {
	t.Parallel()

	e, cfg, _, _ := newTestEngine(t)
	if err := cfg.SetAudioFile(writeClickTrack(t, 44100, 30, 0.5), true); err != nil {
		t.Fatal(err)
	}

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if err := e.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if got := e.State(); got != types.StateStopped {
		t.Errorf("State() after Stop = %s, want %s", got, types.StateStopped)
	}
	if err := e.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestSourceName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		snap config.Snapshot
		want string
	}{
		{config.Snapshot{}, "default"},
		{config.Snapshot{AudioInput: "hw:1,0"}, "hw:1,0"},
		{config.Snapshot{AudioInput: "hw:1,0", AudioFile: "/tmp/a.wav"}, "file:/tmp/a.wav"},
	}
	for _, tt := range tests {
		if got := sourceName(&tt.snap); got != tt.want {
			t.Errorf("sourceName(%+v) = %q, want %q", tt.snap, got, tt.want)
		}
	}
}
