// Package types provides shared type definitions used across the tempo monitor.
package types

import (
	"time"
)

// EngineState represents the current state of the capture engine.
type EngineState string

const (
	// StateStopped indicates the engine is not capturing.
	StateStopped EngineState = "stopped"
	// StateStarting indicates the engine is starting or waiting to retry.
	StateStarting EngineState = "starting"
	// StateRunning indicates a capture session is active.
	StateRunning EngineState = "running"
	// StateStopping indicates the engine is shutting down.
	StateStopping EngineState = "stopping"
)

const (
	// InitialRetryDelay is the starting delay between retry attempts.
	InitialRetryDelay = 3000 * time.Millisecond
	// MaxRetryDelay is the maximum delay between retry attempts.
	MaxRetryDelay = 60000 * time.Millisecond
	// MaxRetries is the maximum number of retry attempts for the capture session.
	MaxRetries = 10
	// SuccessThreshold is the duration after which retry count resets.
	SuccessThreshold = 30000 * time.Millisecond
)

// ShutdownTimeout is the duration to wait for graceful shutdown.
const ShutdownTimeout = 3000 * time.Millisecond

// Estimate is the reported outcome of one analyzed chunk.
type Estimate struct {
	BPM       int       `json:"bpm"`                 // Octave-normalized tempo, 0 when no beat
	RawBPM    int       `json:"raw_bpm,omitzero"`    // Tempo before normalization
	Detected  bool      `json:"detected"`            // False when the chunk had too few peaks
	Peaks     int       `json:"peaks"`               // Energy rises above threshold
	LevelDB   float64   `json:"level_db"`            // RMS level in dBFS
	PeakDB    float64   `json:"peak_db"`             // Peak level in dBFS
	Clipped   int       `json:"clipped"`             // Samples at or near full scale
	Chunk     int       `json:"chunk"`               // Sequence number within the session
	Timestamp time.Time `json:"timestamp"`           // When analysis finished
	Source    string    `json:"source,omitempty"`    // Capture device or file
	Duration  float64   `json:"duration_s,omitzero"` // Audio length of the chunk in seconds
}

// EngineStatus contains a summary of the engine's current operational state.
type EngineStatus struct {
	State            EngineState `json:"state"`                       // Current engine state
	Uptime           string      `json:"uptime,omitzero"`             // Time since capture started
	LastError        string      `json:"last_error,omitzero"`         // Most recent error
	Source           string      `json:"source,omitzero"`             // Device or file being captured
	CaptureState     string      `json:"capture_state,omitzero"`      // Producer state
	Chunks           int         `json:"chunks"`                      // Chunks analyzed this session
	Timeouts         int         `json:"timeouts"`                    // Device timeouts this session
	PipePending      int         `json:"pipe_pending"`                // Chunks waiting for analysis
	SourceRetryCount int         `json:"source_retry_count,omitzero"` // Session retry attempts
	SourceMaxRetries int         `json:"source_max_retries"`          // Max session retries
}

// AudioSettings describes the capture format in status responses.
type AudioSettings struct {
	Input                string `json:"input"`
	File                 string `json:"file,omitempty"`
	SampleRate           int    `json:"sample_rate"`
	BitDepth             int    `json:"bit_depth"`
	ChunkDurationSeconds int    `json:"chunk_duration_seconds"`
}

// StatusResponse is the full status document for the API and WebSocket clients.
type StatusResponse struct {
	Type             string        `json:"type"`              // Message type identifier
	CaptureAvailable bool          `json:"capture_available"` // Capture tool is available
	Engine           EngineStatus  `json:"engine"`            // Engine status
	Estimate         *Estimate     `json:"estimate"`          // Most recent estimate
	Audio            AudioSettings `json:"audio"`             // Capture settings
	Platform         string        `json:"platform"`          // Operating system platform
	Version          VersionInfo   `json:"version"`           // Version information
}

// WSEstimateResponse is pushed to WebSocket clients after each analyzed chunk.
type WSEstimateResponse struct {
	Type     string   `json:"type"` // "estimate"
	Estimate Estimate `json:"estimate"`
}

// WSTestResult is sent to clients after a test operation completes.
type WSTestResult struct {
	Type     string `json:"type"`            // Message type identifier
	TestType string `json:"test_type"`       // Type of test performed
	Success  bool   `json:"success"`         // Test succeeded
	Error    string `json:"error,omitempty"` // Error message if failed
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`               // Current version
	Latest      string `json:"latest,omitempty"`      // Latest published release
	ReleaseURL  string `json:"release_url,omitempty"` // Page of the latest release
	CheckedAt   string `json:"checked_at,omitempty"`  // Time of the last successful poll
	UpdateAvail bool   `json:"update_available"`      // Update is available
	Commit      string `json:"commit,omitempty"`      // Git commit hash
	BuildTime   string `json:"build_time,omitempty"`  // Build timestamp
}
