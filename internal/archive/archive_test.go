package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-tempo/internal/config"
	"github.com/oszuidwest/zwfm-tempo/internal/eventlog"
)

func TestObjectKey(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 14, 23, 30, 0, 0, time.FixedZone("CET", 3600))
	tests := []struct {
		prefix string
		want   string
	}{
		{"tempo", "tempo/2026-03-14/events-1773527400.jsonl"},
		{"studio/a", "studio/a/2026-03-14/events-1773527400.jsonl"},
		{"", "2026-03-14/events-1773527400.jsonl"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.prefix, at); got != tt.want {
			t.Errorf("ObjectKey(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

// fakeS3 records object writes and deletes.
type fakeS3 struct {
	mu      sync.Mutex
	puts    map[string]string
	deletes []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		f.puts[r.URL.Path] = string(body)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		f.deletes = append(f.deletes, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func setup(t *testing.T) (*Uploader, *fakeS3, *eventlog.Logger) {
	t.Helper()

	fake := &fakeS3{puts: make(map[string]string)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := config.New(filepath.Join(dir, "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetArchive(config.ArchiveConfig{
		Endpoint:        srv.URL,
		Bucket:          "logs",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Prefix:          "tempo",
		IntervalMinutes: 60,
	}); err != nil {
		t.Fatalf("SetArchive() error = %v", err)
	}

	events, err := eventlog.NewLogger(filepath.Join(dir, "tempo.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = events.Close() })

	u := New(cfg, events)
	u.now = func() time.Time { return time.Unix(1773527400, 0) }
	return u, fake, events
}

func TestUploader_Upload(t *testing.T) {
	t.Parallel()

	u, fake, events := setup(t)

	if _, err := u.Upload(context.Background()); !errors.Is(err, ErrNothingToUpload) {
		t.Fatalf("Upload() on empty log error = %v, want ErrNothingToUpload", err)
	}

	if err := events.LogTempo(eventlog.TempoDetails{BPM: 124, RawBPM: 124, Peaks: 10}); err != nil {
		t.Fatal(err)
	}

	key, err := u.Upload(context.Background())
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if want := "tempo/2026-03-14/events-1773527400.jsonl"; key != want {
		t.Errorf("Upload() key = %q, want %q", key, want)
	}

	fake.mu.Lock()
	body, ok := fake.puts["/logs/"+key]
	fake.mu.Unlock()
	if !ok {
		t.Fatalf("object /logs/%s not written", key)
	}
	if !strings.Contains(body, `"bpm":124`) {
		t.Errorf("uploaded body missing estimate: %q", body)
	}

	logged, _, err := eventlog.ReadLast(events.Path(), 1, 0, eventlog.FilterArchive)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 1 || logged[0].Type != eventlog.ArchiveUploaded {
		t.Errorf("archive event = %v, want one %s", logged, eventlog.ArchiveUploaded)
	}

	if _, err := u.Upload(context.Background()); !errors.Is(err, ErrNothingToUpload) {
		t.Errorf("Upload() without new events error = %v, want ErrNothingToUpload", err)
	}
}

func TestUploader_NotConfigured(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.New(filepath.Join(dir, "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	events, err := eventlog.NewLogger(filepath.Join(dir, "tempo.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = events.Close() }()

	if _, err := New(cfg, events).Upload(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Upload() error = %v, want ErrNotConfigured", err)
	}
	if err := TestConnection(context.Background(), &config.ArchiveConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("TestConnection() error = %v, want ErrNotConfigured", err)
	}
}

func TestTestConnection(t *testing.T) {
	t.Parallel()

	u, fake, _ := setup(t)
	a := u.cfg.Snapshot().Archive
	if err := TestConnection(context.Background(), &a); err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.puts) != 1 || len(fake.deletes) != 1 {
		t.Fatalf("puts=%d deletes=%d, want 1 each", len(fake.puts), len(fake.deletes))
	}
	if _, ok := fake.puts[fake.deletes[0]]; !ok {
		t.Errorf("deleted %q, which was never written", fake.deletes[0])
	}
	if !strings.HasPrefix(fake.deletes[0], "/logs/tempo/test-connection-") {
		t.Errorf("probe key = %q, want under /logs/tempo/", fake.deletes[0])
	}
}
