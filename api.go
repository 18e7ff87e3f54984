package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/oszuidwest/zwfm-tempo/internal/archive"
	"github.com/oszuidwest/zwfm-tempo/internal/audio"
	"github.com/oszuidwest/zwfm-tempo/internal/config"
	"github.com/oszuidwest/zwfm-tempo/internal/server"
	"github.com/oszuidwest/zwfm-tempo/internal/types"
)

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeValidationError(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":      "validation failed",
		"validation": server.ToValidationError(err),
	})
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, server.MaxMessageSize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseJSON reads and parses JSON from request body.
// Returns parsed value and true on success, zero value and false on failure.
func parseJSON[T any](s *Server, w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := s.readJSON(w, r, &v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return v, false
	}
	return v, true
}

// queryInt returns the integer query parameter name, or def when it is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

// handleHealth reports liveness without authentication.
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"engine": string(s.engine.State()),
	})
}

// handleAPIStatus returns the engine state and the latest estimate.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.buildStatus())
}

// handleAPIEvents returns a page of the event log, newest first.
// GET /api/events?limit=N&offset=N&type=capture|tempo|archive
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit, err := queryInt(r, "limit", server.DefaultEventLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := server.EventsViewRequest{
		Limit:  limit,
		Offset: offset,
		Type:   r.URL.Query().Get("type"),
	}
	if err := server.Validate(&req); err != nil {
		s.writeValidationError(w, err)
		return
	}

	events, hasMore, err := s.commands.ReadEvents(req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": hasMore,
	})
}

// handleAPISettings validates and applies a partial settings update.
// POST /api/settings
func (s *Server) handleAPISettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	req, ok := parseJSON[server.SettingsRequest](s, w, r)
	if !ok {
		return
	}
	if err := server.Validate(&req); err != nil {
		s.writeValidationError(w, err)
		return
	}

	if err := s.commands.ApplySettings(&req); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err.Error())
		return
	}

	snap := s.config.Snapshot()
	s.writeJSON(w, http.StatusOK, server.NewConfigView(&snap))
}

// handleAPIRestart starts capture, or restarts it when running.
// POST /api/restart
func (s *Server) handleAPIRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.commands.RestartEngine(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

// handleAPIConfig returns the configuration with secrets masked.
// GET /api/config
func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.config.Snapshot()
	s.writeJSON(w, http.StatusOK, server.NewConfigView(&snap))
}

// handleAPIDevices returns available audio devices.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices": audio.ListDevices(),
	})
}

// handleAPITest runs a webhook or archive connectivity test.
// POST /api/test/{kind}
func (s *Server) handleAPITest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	kind := r.PathValue("kind")
	if kind != "webhook" && kind != "archive" {
		s.writeError(w, http.StatusNotFound, "Unknown test: "+kind)
		return
	}

	result := types.WSTestResult{Type: "test_result", TestType: kind, Success: true}
	if err := s.commands.RunTest(kind); err != nil {
		result.Success = false
		result.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleAPIArchiveUpload uploads the event log now.
// POST /api/archive/upload
func (s *Server) handleAPIArchiveUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.archiver == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Event log archive is not available")
		return
	}

	key, err := s.archiver.Upload(r.Context())
	switch {
	case errors.Is(err, archive.ErrNotConfigured):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, archive.ErrNothingToUpload):
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "uploaded": false})
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "uploaded": true, "key": key})
	}
}

// handleAPIRegenerateKey generates a new API key.
// POST /api/regenerate-key
func (s *Server) handleAPIRegenerateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	newKey, err := config.GenerateAPIKey()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.config.SetAPIKey(newKey); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("API key regenerated")
	s.writeJSON(w, http.StatusOK, map[string]string{"api_key": newKey})
}
