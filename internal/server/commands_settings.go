package server

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/oszuidwest/zwfm-tempo/internal/config"
	"github.com/oszuidwest/zwfm-tempo/internal/types"
	"github.com/oszuidwest/zwfm-tempo/internal/util"
)

// ConfigView is the configuration shown to clients. Secrets are reduced to presence flags.
type ConfigView struct {
	Audio        config.AudioConfig `json:"audio"`
	Webhook      WebhookView        `json:"webhook"`
	Archive      ArchiveView        `json:"archive"`
	EventLogPath string             `json:"event_log_path"`
	LogLevel     string             `json:"log_level"`
	APIKey       string             `json:"api_key"`
}

// WebhookView is the webhook configuration without the client secret.
type WebhookView struct {
	URL           string   `json:"url"`
	MinIntervalMs int      `json:"min_interval_ms"`
	TokenURL      string   `json:"token_url"`
	ClientID      string   `json:"client_id"`
	HasSecret     bool     `json:"has_secret"`
	Scopes        []string `json:"scopes"`
}

// ArchiveView is the archive configuration without the secret access key.
type ArchiveView struct {
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"access_key_id"`
	HasSecret       bool   `json:"has_secret"`
	Prefix          string `json:"prefix"`
	IntervalMinutes int    `json:"interval_minutes"`
}

// NewConfigView builds the client view of a configuration snapshot.
func NewConfigView(snap *config.Snapshot) ConfigView {
	return ConfigView{
		Audio:   snap.AudioSettings(),
		Webhook: newWebhookView(&snap.Webhook),
		Archive: ArchiveView{
			Endpoint:        snap.Archive.Endpoint,
			Bucket:          snap.Archive.Bucket,
			AccessKeyID:     snap.Archive.AccessKeyID,
			HasSecret:       snap.Archive.SecretAccessKey != "",
			Prefix:          snap.Archive.Prefix,
			IntervalMinutes: snap.Archive.IntervalMinutes,
		},
		EventLogPath: snap.EventLogPath,
		LogLevel:     snap.LogLevel,
		APIKey:       snap.APIKey,
	}
}

func newWebhookView(w *config.WebhookConfig) WebhookView {
	return WebhookView{
		URL:           w.URL,
		MinIntervalMs: w.MinIntervalMs,
		TokenURL:      w.TokenURL,
		ClientID:      w.ClientID,
		HasSecret:     w.ClientSecret != "",
		Scopes:        slices.Clone(w.Scopes),
	}
}

// ApplySettings stores every section present in req and restarts capture
// when audio or capture settings changed. The request must already be validated.
func (h *CommandHandler) ApplySettings(req *SettingsRequest) error {
	restart := false

	if req.Audio != nil {
		changed, err := h.applyAudio(req.Audio)
		if err != nil {
			return err
		}
		restart = restart || changed
	}
	if req.Capture != nil {
		changed, err := h.applyCapture(req.Capture)
		if err != nil {
			return err
		}
		restart = restart || changed
	}
	if req.Webhook != nil {
		if err := h.applyWebhook(req.Webhook); err != nil {
			return err
		}
	}
	if req.Archive != nil {
		if err := h.applyArchive(req.Archive); err != nil {
			return err
		}
	}
	if req.LogLevel != nil {
		if err := h.applyLogLevel(*req.LogLevel); err != nil {
			return err
		}
	}

	if restart {
		if err := h.RestartEngine(); err != nil {
			slog.Warn("capture settings saved but capture cannot start", "error", err)
		}
	}
	return nil
}

// applyAudio merges req into the stored audio settings and reports whether they changed.
func (h *CommandHandler) applyAudio(req *AudioUpdateRequest) (bool, error) {
	snap := h.cfg.Snapshot()
	prev := snap.AudioSettings()
	a := prev

	if req.Input != nil {
		a.Input = *req.Input
		a.File = "" // selecting a device ends file replay
	}
	if req.File != nil {
		a.File = *req.File
	}
	if req.Realtime != nil {
		a.Realtime = *req.Realtime
	}
	if req.SampleRate != nil {
		a.SampleRate = *req.SampleRate
	}
	if req.BitDepth != nil {
		a.BitDepth = *req.BitDepth
	}
	if req.ChunkDurationSeconds != nil {
		a.ChunkDurationSeconds = *req.ChunkDurationSeconds
	}

	if a == prev {
		return false, nil
	}
	if a.File != "" && a.File != prev.File {
		if err := util.ValidatePath("file", a.File); err != nil {
			return false, err
		}
	}
	if err := h.cfg.SetAudio(a); err != nil {
		return false, err
	}

	slog.Info("audio settings updated", "input", a.Input, "file", a.File,
		"sample_rate", a.SampleRate, "bit_depth", a.BitDepth, "chunk_seconds", a.ChunkDurationSeconds)
	return true, nil
}

// applyCapture merges req into the capture tuning and reports whether it changed.
func (h *CommandHandler) applyCapture(req *CaptureUpdateRequest) (bool, error) {
	snap := h.cfg.Snapshot()
	current := snap.AudioSettings()
	timeout, capacity := current.ReadyTimeoutMs, current.PipeCapacity

	if req.ReadyTimeoutMs != nil {
		timeout = *req.ReadyTimeoutMs
	}
	if req.PipeCapacity != nil {
		capacity = *req.PipeCapacity
	}
	if timeout == current.ReadyTimeoutMs && capacity == current.PipeCapacity {
		return false, nil
	}
	if err := h.cfg.SetCaptureTuning(timeout, capacity); err != nil {
		return false, err
	}
	return true, nil
}

func (h *CommandHandler) applyWebhook(req *WebhookUpdateRequest) error {
	snap := h.cfg.Snapshot()
	w := snap.Webhook

	if req.URL != nil {
		w.URL = *req.URL
	}
	if req.MinIntervalMs != nil {
		w.MinIntervalMs = *req.MinIntervalMs
	}
	if req.TokenURL != nil {
		w.TokenURL = *req.TokenURL
	}
	if req.ClientID != nil {
		w.ClientID = *req.ClientID
	}
	if req.ClientSecret != nil {
		w.ClientSecret = *req.ClientSecret
	}
	if req.Scopes != nil {
		w.Scopes = req.Scopes
	}
	return h.cfg.SetWebhook(w)
}

func (h *CommandHandler) applyArchive(req *ArchiveUpdateRequest) error {
	snap := h.cfg.Snapshot()
	a := snap.Archive

	if req.Endpoint != nil {
		a.Endpoint = *req.Endpoint
	}
	if req.Bucket != nil {
		a.Bucket = *req.Bucket
	}
	if req.AccessKeyID != nil {
		a.AccessKeyID = *req.AccessKeyID
	}
	if req.SecretAccessKey != nil {
		a.SecretAccessKey = *req.SecretAccessKey
	}
	if req.Prefix != nil {
		a.Prefix = *req.Prefix
	}
	if req.IntervalMinutes != nil {
		a.IntervalMinutes = *req.IntervalMinutes
	}
	return h.cfg.SetArchive(a)
}

func (h *CommandHandler) applyLogLevel(level string) error {
	if err := h.cfg.SetLogLevel(level); err != nil {
		return err
	}
	if h.logLevel != nil {
		if err := h.logLevel.UnmarshalText([]byte(level)); err != nil {
			return err
		}
	}
	slog.Info("log level changed", "level", level)
	return nil
}

// ErrCaptureUnavailable is returned by RestartEngine when no capture tool is
// installed and no replay file is configured.
var ErrCaptureUnavailable = errors.New("no capture tool available")

// RestartEngine starts or restarts capture in the background.
func (h *CommandHandler) RestartEngine() error {
	snap := h.cfg.Snapshot()
	if !h.captureAvailable && !snap.UsesFile() {
		return ErrCaptureUnavailable
	}

	go func() {
		var err error
		switch h.engine.State() {
		case types.StateRunning, types.StateStarting:
			err = h.engine.Restart()
		case types.StateStopped:
			err = h.engine.Start()
		}
		if err != nil {
			slog.Error("engine state change failed", "error", err)
		}
	}()
	return nil
}

// --- Audio handlers ---

// handleAudioUpdate processes an audio/update command.
func (h *CommandHandler) handleAudioUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *AudioUpdateRequest) error {
		return h.ApplySettings(&SettingsRequest{Audio: req})
	})
}

// handleCaptureUpdate processes a capture/update command.
func (h *CommandHandler) handleCaptureUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *CaptureUpdateRequest) error {
		return h.ApplySettings(&SettingsRequest{Capture: req})
	})
}

// --- Notification handlers ---

// handleWebhookUpdate processes a notifications/webhook/update command.
func (h *CommandHandler) handleWebhookUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, h.applyWebhook)
}

// handleWebhookGet processes a notifications/webhook/get command.
func (h *CommandHandler) handleWebhookGet(cmd WSCommand, send chan<- any) {
	snap := h.cfg.Snapshot()
	SendSuccess(send, cmd.Type, newWebhookView(&snap.Webhook))
}

// --- Archive handlers ---

// handleArchiveUpdate processes an archive/update command.
func (h *CommandHandler) handleArchiveUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, h.applyArchive)
}

// handleArchiveUpload processes an archive/upload command.
func (h *CommandHandler) handleArchiveUpload(cmd WSCommand, send chan<- any) {
	HandleActionAsync(cmd, send, func() (any, error) {
		if h.archiver == nil {
			return nil, errArchiveUnavailable
		}
		key, err := h.archiver.Upload(context.Background())
		if err != nil {
			return nil, err
		}
		return map[string]string{"key": key}, nil
	})
}

// --- System handlers ---

// handleRegenerateAPIKey processes a system/regenerate-key command.
func (h *CommandHandler) handleRegenerateAPIKey(send chan<- any) {
	HandleActionAsync(WSCommand{Type: "system/regenerate-key"}, send, func() (any, error) {
		newKey, err := config.GenerateAPIKey()
		if err != nil {
			return nil, err
		}

		if err := h.cfg.SetAPIKey(newKey); err != nil {
			return nil, err
		}

		slog.Info("API key regenerated")

		return map[string]string{"api_key": newKey}, nil
	})
}

// handleConfigGet processes a config/get command.
func (h *CommandHandler) handleConfigGet(send chan<- any) {
	snap := h.cfg.Snapshot()
	trySend(send, "config/get", types.WSConfigResponse{
		Type:   "config",
		Config: NewConfigView(&snap),
	})
}
