package server

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/oszuidwest/zwfm-tempo/internal/archive"
	"github.com/oszuidwest/zwfm-tempo/internal/config"
	"github.com/oszuidwest/zwfm-tempo/internal/engine"
	"github.com/oszuidwest/zwfm-tempo/internal/eventlog"
	"github.com/oszuidwest/zwfm-tempo/internal/notify"
)

// DefaultEventLimit is the number of events returned when no limit is given.
const DefaultEventLimit = 100

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Deps are the services commands act on. Archiver may be nil.
type Deps struct {
	Config           *config.Config
	Engine           *engine.Engine
	Notifier         *notify.TempoNotifier
	Archiver         *archive.Uploader
	Events           *eventlog.Logger
	LogLevel         *slog.LevelVar
	CaptureAvailable bool
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg              *config.Config
	engine           *engine.Engine
	notifier         *notify.TempoNotifier
	archiver         *archive.Uploader
	events           *eventlog.Logger
	logLevel         *slog.LevelVar
	captureAvailable bool
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(d Deps) *CommandHandler {
	return &CommandHandler{
		cfg:              d.Config,
		engine:           d.Engine,
		notifier:         d.Notifier,
		archiver:         d.Archiver,
		events:           d.Events,
		logLevel:         d.LogLevel,
		captureAvailable: d.CaptureAvailable,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "audio/update", "engine/restart")
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	// Parse command into namespace and action
	parts := strings.SplitN(cmd.Type, "/", 3)
	namespace := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	subaction := ""
	if len(parts) > 2 {
		subaction = parts[2]
	}

	switch namespace {
	case "audio":
		h.handleAudio(action, cmd, send)
	case "capture":
		h.handleCapture(action, cmd, send)
	case "engine":
		h.handleEngine(action, cmd, send)
	case "notifications":
		h.handleNotifications(action, subaction, cmd, send)
	case "archive":
		h.handleArchive(action, cmd, send)
	case "events":
		h.handleEvents(action, cmd, send)
	case "system":
		h.handleSystem(action, send)
	case "config":
		h.handleConfig(action, send)
	case "status":
		h.handleStatus(action)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
	}

	triggerStatusUpdate()
}

// --- Namespace handlers ---

// handleAudio routes audio/* commands
func (h *CommandHandler) handleAudio(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleAudioUpdate(cmd, send)
	case "get":
		snap := h.cfg.Snapshot()
		SendSuccess(send, cmd.Type, snap.AudioSettings())
	default:
		slog.Warn("unknown audio action", "action", action)
	}
}

// handleCapture routes capture/* commands
func (h *CommandHandler) handleCapture(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleCaptureUpdate(cmd, send)
	default:
		slog.Warn("unknown capture action", "action", action)
	}
}

// handleEngine routes engine/* commands
func (h *CommandHandler) handleEngine(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "start":
		HandleActionAsync(cmd, send, func() (any, error) { return nil, h.engine.Start() })
	case "stop":
		HandleActionAsync(cmd, send, func() (any, error) { return nil, h.engine.Stop() })
	case "restart":
		HandleActionAsync(cmd, send, func() (any, error) { return nil, h.engine.Restart() })
	default:
		slog.Warn("unknown engine action", "action", action)
	}
}

// handleNotifications routes notifications/*/* commands
func (h *CommandHandler) handleNotifications(action, subaction string, cmd WSCommand, send chan<- any) {
	switch action {
	case "webhook":
		switch subaction {
		case "update":
			h.handleWebhookUpdate(cmd, send)
		case "test":
			h.handleTest(send, "test_webhook")
		case "get":
			h.handleWebhookGet(cmd, send)
		default:
			slog.Warn("unknown webhook action", "subaction", subaction)
		}
	default:
		slog.Warn("unknown notifications action", "action", action)
	}
}

// handleArchive routes archive/* commands
func (h *CommandHandler) handleArchive(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleArchiveUpdate(cmd, send)
	case "test":
		h.handleTest(send, "test_archive")
	case "upload":
		h.handleArchiveUpload(cmd, send)
	default:
		slog.Warn("unknown archive action", "action", action)
	}
}

// handleEvents routes events/* commands
func (h *CommandHandler) handleEvents(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "view":
		h.handleViewEvents(cmd, send)
	default:
		slog.Warn("unknown events action", "action", action)
	}
}

// handleSystem routes system/* commands
func (h *CommandHandler) handleSystem(action string, send chan<- any) {
	switch action {
	case "regenerate-key":
		h.handleRegenerateAPIKey(send)
	default:
		slog.Warn("unknown system action", "action", action)
	}
}

// handleConfig routes config/* commands
func (h *CommandHandler) handleConfig(action string, send chan<- any) {
	switch action {
	case "get":
		h.handleConfigGet(send)
	default:
		slog.Warn("unknown config action", "action", action)
	}
}

// handleStatus routes status/* commands
func (h *CommandHandler) handleStatus(action string) {
	switch action {
	case "get":
		// Status is sent automatically, but explicit get triggers immediate update
		slog.Debug("status/get received, status update will be triggered")
	default:
		slog.Warn("unknown status action", "action", action)
	}
}
