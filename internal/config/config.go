// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/oszuidwest/zwfm-tempo/internal/audio"
	"github.com/oszuidwest/zwfm-tempo/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort              = 8080
	DefaultWebUsername          = "admin"
	DefaultWebPassword          = "tempo"
	DefaultLogLevel             = "info"
	DefaultReadyTimeoutMs       = 3000
	DefaultPipeCapacity         = 2
	DefaultWebhookMinIntervalMs = 10000
	DefaultArchiveInterval      = 60 // minutes
	DefaultArchivePrefix        = "tempo"
)

// ErrInvalidConfig is returned when the configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	FFmpegPath string `json:"ffmpeg_path"`                                                // Path to FFmpeg binary (empty = use PATH)
	Port       int    `json:"port" validate:"gte=1,lte=65535"`                            // HTTP server port
	Username   string `json:"username" validate:"required,max=100"`                       // API username
	Password   string `json:"password" validate:"required,max=200"`                       // API password
	APIKey     string `json:"api_key" validate:"omitempty,alphanum,len=32"`               // Key for X-API-Key access
	LogLevel   string `json:"log_level" validate:"omitempty,oneof=debug info warn error"` // slog level
}

// AudioConfig holds capture device and analysis format settings.
type AudioConfig struct {
	Input                string `json:"input" validate:"max=256"`                       // Audio input device identifier
	File                 string `json:"file" validate:"max=4096"`                       // WAV file to replay instead of a device
	Realtime             bool   `json:"realtime"`                                       // Replay files at audio speed
	SampleRate           int    `json:"sample_rate" validate:"gte=10,lte=384000"`       // Capture sample rate in Hz
	BitDepth             int    `json:"bit_depth" validate:"oneof=8 16 24 32"`          // Bits per sample
	ChunkDurationSeconds int    `json:"chunk_duration_seconds" validate:"gte=1,lte=60"` // Seconds per analysis chunk
	ReadyTimeoutMs       int    `json:"ready_timeout_ms" validate:"gte=100,lte=60000"`  // Device readiness timeout
	PipeCapacity         int    `json:"pipe_capacity" validate:"gte=1,lte=64"`          // Chunks pending analysis
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL           string   `json:"url" validate:"omitempty,url,max=2048"`        // Webhook URL for tempo changes
	MinIntervalMs int      `json:"min_interval_ms" validate:"gte=0,lte=3600000"` // Minimum time between posts
	TokenURL      string   `json:"token_url" validate:"omitempty,url,max=2048"`  // OAuth2 token endpoint
	ClientID      string   `json:"client_id" validate:"max=256"`                 // OAuth2 client ID
	ClientSecret  string   `json:"client_secret" validate:"max=512"`             // OAuth2 client secret
	Scopes        []string `json:"scopes" validate:"max=16,dive,max=256"`        // OAuth2 scopes
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	Webhook WebhookConfig `json:"webhook"` // Webhook settings
}

// ArchiveConfig holds S3 settings for event log uploads.
type ArchiveConfig struct {
	Endpoint        string `json:"endpoint" validate:"omitempty,url,max=2048"` // S3-compatible endpoint URL
	Bucket          string `json:"bucket" validate:"max=63"`                   // Bucket name
	AccessKeyID     string `json:"access_key_id" validate:"max=128"`           // Access key ID
	SecretAccessKey string `json:"secret_access_key" validate:"max=256"`       // Secret access key
	Prefix          string `json:"prefix" validate:"max=256"`                  // Object key prefix
	IntervalMinutes int    `json:"interval_minutes" validate:"gte=0,lte=1440"` // Upload interval
}

// EventLogConfig holds event log settings.
type EventLogConfig struct {
	Path    string        `json:"path" validate:"max=4096"` // JSON lines file (empty = platform default)
	Archive ArchiveConfig `json:"archive"`                  // Optional S3 archive
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System        SystemConfig        `json:"system"`
	Audio         AudioConfig         `json:"audio"`
	Notifications NotificationsConfig `json:"notifications"`
	EventLog      EventLogConfig      `json:"event_log"`

	mu       sync.RWMutex
	filePath string
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{filePath: filePath}
	c.applyDefaults()
	return c
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		if err := c.ensureAPIKey(); err != nil {
			return err
		}
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	return c.validateLocked()
}

// Validate checks all configuration fields for correctness.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalidConfig, e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.formatLocked().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	// System defaults
	c.System.Port = cmp.Or(c.System.Port, DefaultWebPort)
	c.System.Username = cmp.Or(c.System.Username, DefaultWebUsername)
	c.System.Password = cmp.Or(c.System.Password, DefaultWebPassword)
	c.System.LogLevel = cmp.Or(c.System.LogLevel, DefaultLogLevel)
	// Audio defaults
	c.Audio.SampleRate = cmp.Or(c.Audio.SampleRate, audio.DefaultSampleRate)
	c.Audio.BitDepth = cmp.Or(c.Audio.BitDepth, audio.DefaultBitDepth)
	c.Audio.ChunkDurationSeconds = cmp.Or(c.Audio.ChunkDurationSeconds, audio.DefaultChunkDuration)
	c.Audio.ReadyTimeoutMs = cmp.Or(c.Audio.ReadyTimeoutMs, DefaultReadyTimeoutMs)
	c.Audio.PipeCapacity = cmp.Or(c.Audio.PipeCapacity, DefaultPipeCapacity)
	// Notification defaults
	c.Notifications.Webhook.MinIntervalMs = cmp.Or(c.Notifications.Webhook.MinIntervalMs, DefaultWebhookMinIntervalMs)
	// Archive defaults
	c.EventLog.Archive.Prefix = cmp.Or(c.EventLog.Archive.Prefix, DefaultArchivePrefix)
	c.EventLog.Archive.IntervalMinutes = cmp.Or(c.EventLog.Archive.IntervalMinutes, DefaultArchiveInterval)
}

// ensureAPIKey generates an API key when none is set. Caller must hold c.mu.
func (c *Config) ensureAPIKey() error {
	if c.System.APIKey != "" {
		return nil
	}
	key, err := GenerateAPIKey()
	if err != nil {
		return util.WrapError("generate API key", err)
	}
	c.System.APIKey = key
	return nil
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// update applies fn to a copy of the config, validates the result and saves it.
// The stored config is left unchanged when validation fails.
func (c *Config) update(fn func(*Config)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevSystem, prevAudio, prevNotify, prevLog := c.System, c.Audio, c.Notifications, c.EventLog
	prevNotify.Webhook.Scopes = slices.Clone(prevNotify.Webhook.Scopes)

	fn(c)
	if err := c.validateLocked(); err != nil {
		c.System, c.Audio, c.Notifications, c.EventLog = prevSystem, prevAudio, prevNotify, prevLog
		return err
	}
	return c.saveLocked()
}

// --- Getters for individual settings ---

// APIKey returns the key accepted in the X-API-Key header.
func (c *Config) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.APIKey
}

// Format returns the configured capture format.
func (c *Config) Format() audio.Format {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.formatLocked()
}

func (c *Config) formatLocked() audio.Format {
	return audio.Format{
		SampleRate:    c.Audio.SampleRate,
		BitDepth:      c.Audio.BitDepth,
		ChunkDuration: c.Audio.ChunkDurationSeconds,
	}
}

// --- Setters for individual settings ---

// SetAudioInput updates the audio input device and saves the configuration.
// Selecting a device clears any replay file.
func (c *Config) SetAudioInput(input string) error {
	return c.update(func(c *Config) {
		c.Audio.Input = input
		c.Audio.File = ""
	})
}

// SetAudioFile selects a WAV file for replay and saves the configuration.
func (c *Config) SetAudioFile(path string, realtime bool) error {
	return c.update(func(c *Config) {
		c.Audio.File = path
		c.Audio.Realtime = realtime
	})
}

// SetAudioFormat updates the analysis format and saves the configuration.
func (c *Config) SetAudioFormat(f audio.Format) error {
	return c.update(func(c *Config) {
		c.Audio.SampleRate = f.SampleRate
		c.Audio.BitDepth = f.BitDepth
		c.Audio.ChunkDurationSeconds = f.ChunkDuration
	})
}

// SetAudio replaces the audio settings and saves the configuration.
func (c *Config) SetAudio(a AudioConfig) error {
	return c.update(func(c *Config) {
		c.Audio = a
	})
}

// SetCaptureTuning updates the readiness timeout and pipe capacity and saves the configuration.
func (c *Config) SetCaptureTuning(readyTimeoutMs, pipeCapacity int) error {
	return c.update(func(c *Config) {
		c.Audio.ReadyTimeoutMs = readyTimeoutMs
		c.Audio.PipeCapacity = pipeCapacity
	})
}

// SetWebhook updates the webhook settings and saves the configuration.
func (c *Config) SetWebhook(w WebhookConfig) error {
	return c.update(func(c *Config) {
		w.Scopes = slices.Clone(w.Scopes)
		c.Notifications.Webhook = w
	})
}

// SetArchive updates the S3 archive settings and saves the configuration.
func (c *Config) SetArchive(a ArchiveConfig) error {
	return c.update(func(c *Config) {
		c.EventLog.Archive = a
	})
}

// SetAPIKey updates the API key and saves the configuration.
func (c *Config) SetAPIKey(key string) error {
	return c.update(func(c *Config) {
		c.System.APIKey = key
	})
}

// SetLogLevel updates the log level and saves the configuration.
func (c *Config) SetLogLevel(level string) error {
	return c.update(func(c *Config) {
		c.System.LogLevel = level
	})
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	FFmpegPath  string
	WebPort     int
	WebUser     string
	WebPassword string
	APIKey      string
	LogLevel    string

	// Audio
	AudioInput    string
	AudioFile     string
	Realtime      bool
	SampleRate    int
	BitDepth      int
	ChunkDuration int
	ReadyTimeout  time.Duration
	PipeCapacity  int

	// Notifications
	Webhook WebhookConfig

	// Event log
	EventLogPath string
	Archive      ArchiveConfig
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	webhook := c.Notifications.Webhook
	webhook.Scopes = slices.Clone(webhook.Scopes)

	return Snapshot{
		// System
		FFmpegPath:  c.System.FFmpegPath,
		WebPort:     c.System.Port,
		WebUser:     c.System.Username,
		WebPassword: c.System.Password,
		APIKey:      c.System.APIKey,
		LogLevel:    c.System.LogLevel,

		// Audio
		AudioInput:    c.Audio.Input,
		AudioFile:     c.Audio.File,
		Realtime:      c.Audio.Realtime,
		SampleRate:    c.Audio.SampleRate,
		BitDepth:      c.Audio.BitDepth,
		ChunkDuration: c.Audio.ChunkDurationSeconds,
		ReadyTimeout:  time.Duration(c.Audio.ReadyTimeoutMs) * time.Millisecond,
		PipeCapacity:  c.Audio.PipeCapacity,

		// Notifications
		Webhook: webhook,

		// Event log
		EventLogPath: c.EventLog.Path,
		Archive:      c.EventLog.Archive,
	}
}

// Format returns the capture format of the snapshot.
func (s *Snapshot) Format() audio.Format {
	return audio.Format{
		SampleRate:    s.SampleRate,
		BitDepth:      s.BitDepth,
		ChunkDuration: s.ChunkDuration,
	}
}

// AudioSettings returns the audio section of the snapshot.
func (s *Snapshot) AudioSettings() AudioConfig {
	return AudioConfig{
		Input:                s.AudioInput,
		File:                 s.AudioFile,
		Realtime:             s.Realtime,
		SampleRate:           s.SampleRate,
		BitDepth:             s.BitDepth,
		ChunkDurationSeconds: s.ChunkDuration,
		ReadyTimeoutMs:       int(s.ReadyTimeout / time.Millisecond),
		PipeCapacity:         s.PipeCapacity,
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.Webhook.URL != ""
}

// HasWebhookAuth reports whether OAuth2 client credentials are configured for the webhook.
func (s *Snapshot) HasWebhookAuth() bool {
	return util.IsConfigured(s.Webhook.TokenURL, s.Webhook.ClientID, s.Webhook.ClientSecret)
}

// HasArchive reports whether S3 archiving of the event log is configured.
func (s *Snapshot) HasArchive() bool {
	return util.IsConfigured(s.Archive.Bucket, s.Archive.AccessKeyID, s.Archive.SecretAccessKey)
}

// UsesFile reports whether capture replays a file instead of a device.
func (s *Snapshot) UsesFile() bool {
	return s.AudioFile != ""
}

// --- Utility functions ---

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
