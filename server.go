package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/oszuidwest/zwfm-tempo/internal/archive"
	"github.com/oszuidwest/zwfm-tempo/internal/config"
	"github.com/oszuidwest/zwfm-tempo/internal/engine"
	"github.com/oszuidwest/zwfm-tempo/internal/server"
	"github.com/oszuidwest/zwfm-tempo/internal/types"
)

// statusInterval is how often WebSocket clients receive a status update.
const statusInterval = 3000 * time.Millisecond

// Server is an HTTP server that provides the API and live updates for the tempo monitor.
type Server struct {
	config           *config.Config
	engine           *engine.Engine
	archiver         *archive.Uploader
	auth             *server.Authenticator
	commands         *server.CommandHandler
	version          *ReleaseWatcher
	captureAvailable bool
}

// NewServer returns a new Server for the given services.
func NewServer(d server.Deps, version *ReleaseWatcher) *Server {
	cfg := d.Config
	auth := server.NewAuthenticator(func() (string, string, string) {
		snap := cfg.Snapshot()
		return snap.WebUser, snap.WebPassword, snap.APIKey
	})

	return &Server{
		config:           cfg,
		engine:           d.Engine,
		archiver:         d.Archiver,
		auth:             auth,
		commands:         server.NewCommandHandler(d),
		version:          version,
		captureAvailable: d.CaptureAvailable,
	}
}

// handleWebSocket handles bidirectional WebSocket communication for real-time updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Only the writer goroutine writes to the connection.
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)

	go s.runWebSocketWriter(conn, send)
	go s.runWebSocketReader(conn, send, done, statusUpdate)

	s.runWebSocketEventLoop(send, done, statusUpdate)
}

// runWebSocketWriter writes messages from the send channel to the connection.
func (s *Server) runWebSocketWriter(conn server.WebSocketConn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()

	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runWebSocketReader reads commands from the connection and dispatches them.
func (s *Server) runWebSocketReader(conn server.WebSocketConn, send chan<- any, done, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd server.WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands.Handle(cmd, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runWebSocketEventLoop pushes estimates as they arrive and periodic status updates.
func (s *Server) runWebSocketEventLoop(send chan any, done, statusUpdate <-chan struct{}) {
	estimates := s.engine.Subscribe()
	defer s.engine.Unsubscribe(estimates)

	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	// trySend attempts to send a message, returning false if done is closed
	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(s.buildStatus()) {
		close(send)
		return
	}

	for {
		select {
		case <-done:
			close(send)
			return
		case est := <-estimates:
			if !trySend(types.WSEstimateResponse{Type: "estimate", Estimate: est}) {
				close(send)
				return
			}
		case <-statusUpdate:
			if !trySend(s.buildStatus()) {
				close(send)
				return
			}
		case <-statusTicker.C:
			if !trySend(s.buildStatus()) {
				close(send)
				return
			}
		}
	}
}

// buildStatus returns the current status document.
func (s *Server) buildStatus() types.StatusResponse {
	cfg := s.config.Snapshot()

	resp := types.StatusResponse{
		Type:             "status",
		CaptureAvailable: s.captureAvailable,
		Engine:           s.engine.Status(),
		Audio: types.AudioSettings{
			Input:                cfg.AudioInput,
			File:                 cfg.AudioFile,
			SampleRate:           cfg.SampleRate,
			BitDepth:             cfg.BitDepth,
			ChunkDurationSeconds: cfg.ChunkDuration,
		},
		Platform: runtime.GOOS,
		Version:  s.version.Info(),
	}
	if est, ok := s.engine.LastEstimate(); ok {
		resp.Estimate = &est
	}
	return resp
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := s.auth.Middleware()

	// Public routes (no auth required)
	mux.HandleFunc("/healthz", s.handleHealth)

	// Protected routes
	mux.HandleFunc("/api/status", auth(s.handleAPIStatus))
	mux.HandleFunc("/api/events", auth(s.handleAPIEvents))
	mux.HandleFunc("/api/settings", auth(s.handleAPISettings))
	mux.HandleFunc("/api/restart", auth(s.handleAPIRestart))
	mux.HandleFunc("/api/config", auth(s.handleAPIConfig))
	mux.HandleFunc("/api/devices", auth(s.handleAPIDevices))
	mux.HandleFunc("/api/test/{kind}", auth(s.handleAPITest))
	mux.HandleFunc("/api/archive/upload", auth(s.handleAPIArchiveUpload))
	mux.HandleFunc("/api/regenerate-key", auth(s.handleAPIRegenerateKey))
	mux.HandleFunc("/ws", auth(s.handleWebSocket))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start begins serving HTTP requests in the background and returns the server for shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
