// Package eventlog provides unified event logging for the tempo monitor.
// It captures capture lifecycle events (started, timeout, error, stopped)
// and tempo events (estimate, unknown) in a single JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Capture event types.
const (
	CaptureStarted EventType = "capture_started"
	CaptureTimeout EventType = "capture_timeout"
	CaptureError   EventType = "capture_error"
	CaptureRetry   EventType = "capture_retry"
	CaptureStopped EventType = "capture_stopped"
)

// Tempo event types.
const (
	TempoEstimate EventType = "tempo_estimate"
	TempoUnknown  EventType = "tempo_unknown"
)

// Archive event types.
const (
	ArchiveUploaded EventType = "archive_uploaded"
	ArchiveFailed   EventType = "archive_failed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	Type      EventType       `json:"type"`
	Message   string          `json:"msg,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// CaptureDetails contains capture-specific event details.
type CaptureDetails struct {
	Source     string `json:"source,omitempty"`
	Error      string `json:"error,omitempty"`
	Timeouts   int    `json:"timeouts,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
	RetryCount int    `json:"retry,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// TempoDetails contains tempo-specific event details.
type TempoDetails struct {
	BPM     int     `json:"bpm,omitempty"`
	RawBPM  int     `json:"raw_bpm,omitempty"`
	Peaks   int     `json:"peaks"`
	LevelDB float64 `json:"level_db"`
	PeakDB  float64 `json:"peak_db"`
	Clipped int     `json:"clipped,omitempty"`
	Chunk   int     `json:"chunk"`
}

// ArchiveDetails contains archive upload details.
type ArchiveDetails struct {
	Key   string `json:"key,omitempty"`
	Bytes int64  `json:"bytes,omitempty"`
	Error string `json:"error,omitempty"`
}

// Logger writes events to a JSON lines file. It is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath(port int) string {
	switch runtime.GOOS {
	case "windows":
		// %PROGRAMDATA% is typically C:\ProgramData
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "tempo", "logs", fmt.Sprintf("%d", port), "tempo.jsonl")
	default: // linux, darwin
		//nolint:gocritic // Intentional absolute path for Unix systems
		return filepath.Join("/var/log/tempo", fmt.Sprintf("%d", port), "tempo.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event with the given details to the log file.
func (l *Logger) Log(eventType EventType, message string, details any) error {
	event := Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Message:   message,
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode event details: %w", err)
		}
		event.Details = raw
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(&event)
}

// LogCapture logs a capture lifecycle event.
func (l *Logger) LogCapture(eventType EventType, message string, d CaptureDetails) error {
	return l.Log(eventType, message, &d)
}

// LogTempo logs a tempo estimate, or TempoUnknown when bpm is zero.
func (l *Logger) LogTempo(d TempoDetails) error {
	if d.BPM == 0 {
		return l.Log(TempoUnknown, "no beat detected", &d)
	}
	return l.Log(TempoEstimate, "", &d)
}

// LogArchive logs an archive upload result.
func (l *Logger) LogArchive(d ArchiveDetails) error {
	if d.Error != "" {
		return l.Log(ArchiveFailed, "", &d)
	}
	return l.Log(ArchiveUploaded, "", &d)
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// Sync flushes the log file to disk.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll     TypeFilter = ""
	FilterCapture TypeFilter = "capture"
	FilterTempo   TypeFilter = "tempo"
	FilterArchive TypeFilter = "archive"
)

// ParseFilter converts a query value to a TypeFilter.
func ParseFilter(s string) (TypeFilter, error) {
	switch f := TypeFilter(s); f {
	case FilterAll, FilterCapture, FilterTempo, FilterArchive:
		return f, nil
	default:
		return FilterAll, fmt.Errorf("unknown event filter %q", s)
	}
}

// Matches reports whether an event type passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterCapture:
		return IsCaptureEvent(t)
	case FilterTempo:
		return IsTempoEvent(t)
	case FilterArchive:
		return IsArchiveEvent(t)
	default:
		return true
	}
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type, newest first,
// and whether older matching events remain. The n parameter is capped at MaxReadLimit.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}
	offset = max(offset, 0)

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

// IsCaptureEvent reports whether the event type is a capture event.
func IsCaptureEvent(t EventType) bool {
	return t == CaptureStarted || t == CaptureTimeout || t == CaptureError || t == CaptureRetry || t == CaptureStopped
}

// IsTempoEvent reports whether the event type is a tempo event.
func IsTempoEvent(t EventType) bool {
	return t == TempoEstimate || t == TempoUnknown
}

// IsArchiveEvent reports whether the event type is an archive event.
func IsArchiveEvent(t EventType) bool {
	return t == ArchiveUploaded || t == ArchiveFailed
}
