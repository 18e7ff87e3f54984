package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-tempo/internal/archive"
	"github.com/oszuidwest/zwfm-tempo/internal/eventlog"
	"github.com/oszuidwest/zwfm-tempo/internal/types"
)

// testTimeout bounds a single connectivity test.
const testTimeout = 30 * time.Second

var (
	errArchiveUnavailable = errors.New("event log archive is not available")
	errEventsUnavailable  = errors.New("event log is not available")
)

// EventsResult is sent in response to events/view.
type EventsResult struct {
	Type    string           `json:"type"` // "events_result"
	Success bool             `json:"success"`
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"has_more"`
	Error   string           `json:"error,omitempty"`
}

// RunTest runs the named connectivity test: "webhook" or "archive".
func (h *CommandHandler) RunTest(testType string) error {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	switch testType {
	case "webhook":
		return h.notifier.SendTest(ctx)
	case "archive":
		snap := h.cfg.Snapshot()
		return archive.TestConnection(ctx, &snap.Archive)
	default:
		return fmt.Errorf("unknown test type: %s", testType)
	}
}

// handleTest executes a connectivity test and sends the result to the client.
// testCmd should be in format "test_<type>" (e.g., "test_webhook", "test_archive").
func (h *CommandHandler) handleTest(send chan<- any, testCmd string) {
	testType := strings.TrimPrefix(testCmd, "test_")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in test handler", "command", testCmd, "panic", r)
			}
		}()

		result := types.WSTestResult{
			Type:     "test_result",
			TestType: testType,
			Success:  true,
		}

		if err := h.RunTest(testType); err != nil {
			slog.Error("test failed", "command", testCmd, "error", err)
			result.Success = false
			result.Error = err.Error()
		} else {
			slog.Info("test succeeded", "command", testCmd)
		}

		trySend(send, testCmd, result)
	}()
}

// handleViewEvents reads a page of the event log, newest first.
func (h *CommandHandler) handleViewEvents(cmd WSCommand, send chan<- any) {
	var req EventsViewRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in events handler", "panic", r)
			}
		}()

		result := EventsResult{
			Type:    "events_result",
			Success: true,
			Events:  []eventlog.Event{},
		}

		events, hasMore, err := h.ReadEvents(req)
		if err != nil {
			result.Success = false
			result.Error = err.Error()
		} else {
			result.Events = events
			result.HasMore = hasMore
		}

		trySend(send, cmd.Type, result)
	}()
}

// ReadEvents returns a page of the event log for req, newest first, and whether more remain.
func (h *CommandHandler) ReadEvents(req EventsViewRequest) ([]eventlog.Event, bool, error) {
	if h.events == nil {
		return nil, false, errEventsUnavailable
	}
	filter, err := eventlog.ParseFilter(req.Type)
	if err != nil {
		return nil, false, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = DefaultEventLimit
	}
	return eventlog.ReadLast(h.events.Path(), limit, req.Offset, filter)
}
