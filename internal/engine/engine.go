// Package engine provides the tempo monitoring engine.
// It supervises capture sessions, feeds complete chunks through the tempo
// analyzer and fans the resulting estimates out to the event log, WebSocket
// subscribers and the webhook notifier, retrying failed devices with backoff.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-tempo/internal/audio"
	"github.com/oszuidwest/zwfm-tempo/internal/capture"
	"github.com/oszuidwest/zwfm-tempo/internal/config"
	"github.com/oszuidwest/zwfm-tempo/internal/eventlog"
	"github.com/oszuidwest/zwfm-tempo/internal/tempo"
	"github.com/oszuidwest/zwfm-tempo/internal/types"
	"github.com/oszuidwest/zwfm-tempo/internal/util"
)

// subscriberBuffer is the number of estimates a slow subscriber may lag behind before estimates are dropped.
const subscriberBuffer = 16

// ErrAlreadyRunning is returned by Start while a run is in progress.
var ErrAlreadyRunning = errors.New("engine already running")

// Notifier receives every estimate and decides whether to notify.
type Notifier interface {
	HandleEstimate(e types.Estimate) bool
	Reset()
}

// Engine manages capture sessions and tempo reporting.
type Engine struct {
	config     *config.Config
	ffmpegPath string
	events     *eventlog.Logger
	notifier   Notifier
	open       func(*config.Snapshot, audio.Format) (capture.Source, error)

	mu         sync.RWMutex
	state      types.EngineState
	cancel     context.CancelFunc
	done       chan struct{}
	lastError  string
	startTime  time.Time
	retryCount int
	backoff    *util.Backoff
	session    *session
	last       *types.Estimate
	subs       map[chan types.Estimate]struct{}
}

// session is one producer and one consumer joined by a fresh pipe.
type session struct {
	source   string
	producer *capture.Producer
	pipe     *capture.Pipe
	chunks   atomic.Int64
}

// New creates a new Engine. The event logger and notifier may be nil.
func New(cfg *config.Config, ffmpegPath string, events *eventlog.Logger, notifier Notifier) *Engine {
	e := &Engine{
		config:     cfg,
		ffmpegPath: ffmpegPath,
		events:     events,
		notifier:   notifier,
		state:      types.StateStopped,
		backoff:    util.NewBackoff(types.InitialRetryDelay, types.MaxRetryDelay),
		subs:       make(map[chan types.Estimate]struct{}),
	}
	e.open = e.openSource
	return e
}

// State returns the current engine state.
func (e *Engine) State() types.EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Status returns the current engine status.
func (e *Engine) Status() types.EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	uptime := ""
	if e.state == types.StateRunning {
		uptime = util.FormatDuration(time.Since(e.startTime).Milliseconds())
	}

	status := types.EngineStatus{
		State:            e.state,
		Uptime:           uptime,
		LastError:        e.lastError,
		SourceRetryCount: e.retryCount,
		SourceMaxRetries: types.MaxRetries,
	}
	if s := e.session; s != nil {
		status.Source = s.source
		status.CaptureState = string(s.producer.State())
		status.Chunks = int(s.chunks.Load())
		status.Timeouts = s.producer.Timeouts()
		status.PipePending = s.pipe.Pending()
	}
	return status
}

// LastEstimate returns the most recent estimate, if any.
func (e *Engine) LastEstimate() (types.Estimate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return types.Estimate{}, false
	}
	return *e.last, true
}

// Subscribe returns a channel that receives every new estimate.
// Estimates are dropped for subscribers that fall behind.
func (e *Engine) Subscribe() chan types.Estimate {
	ch := make(chan types.Estimate, subscriberBuffer)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (e *Engine) Unsubscribe(ch chan types.Estimate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[ch]; ok {
		delete(e.subs, ch)
		close(ch)
	}
}

// Start begins capturing from the configured device or file.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != types.StateStopped {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.state = types.StateStarting
	e.cancel = cancel
	e.done = make(chan struct{})
	e.retryCount = 0
	e.lastError = ""
	e.backoff.Reset()
	if e.notifier != nil {
		e.notifier.Reset()
	}

	go e.runLoop(ctx, cancel, e.done)

	return nil
}

// Stop ends the current capture session and waits for it to finish.
func (e *Engine) Stop() error {
	e.mu.Lock()

	if e.state == types.StateStopped || e.state == types.StateStopping {
		e.mu.Unlock()
		return nil
	}

	e.state = types.StateStopping
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	var errs []error
	cancel()

	select {
	case <-done:
		slog.Info("capture stopped gracefully")
	case <-time.After(2 * types.ShutdownTimeout):
		slog.Warn("capture did not stop in time")
		errs = append(errs, fmt.Errorf("capture shutdown timeout"))
	}

	e.mu.Lock()
	e.state = types.StateStopped
	e.session = nil
	e.cancel = nil
	e.mu.Unlock()

	return errors.Join(errs...)
}

// Restart stops and starts the engine.
func (e *Engine) Restart() error {
	if err := e.Stop(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	time.Sleep(1000 * time.Millisecond)
	return e.Start()
}

// Wait blocks until the current run loop exits or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.RLock()
	done := e.done
	e.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop runs capture sessions until stopped, a finite source ends, or retries run out.
func (e *Engine) runLoop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	for {
		snap := e.config.Snapshot()
		startTime := time.Now()
		err := e.runSession(ctx, &snap)
		runDuration := time.Since(startTime)

		if ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		if err == nil {
			slog.Info("capture source ended", "source", sourceName(&snap))
			e.state = types.StateStopped
			e.mu.Unlock()
			return
		}

		errMsg := err.Error()
		e.lastError = errMsg
		slog.Error("capture session failed", "error", errMsg)

		if snap.UsesFile() {
			e.state = types.StateStopped
			e.mu.Unlock()
			return
		}

		if runDuration >= types.SuccessThreshold {
			e.retryCount = 0
			e.backoff.Reset()
		} else {
			e.retryCount++
		}

		if e.retryCount >= types.MaxRetries {
			slog.Error("capture failed, giving up", "attempts", types.MaxRetries)
			e.state = types.StateStopped
			e.lastError = fmt.Sprintf("Stopped after %d failed attempts: %s", types.MaxRetries, errMsg)
			e.mu.Unlock()
			return
		}

		e.state = types.StateStarting
		retryDelay := e.backoff.Next()
		attempt := e.retryCount
		e.mu.Unlock()

		e.logCapture(eventlog.CaptureRetry, "waiting before restart", eventlog.CaptureDetails{
			Source:     sourceName(&snap),
			Error:      errMsg,
			RetryCount: attempt,
			MaxRetries: types.MaxRetries,
		})
		slog.Info("capture stopped, waiting before restart",
			"delay", retryDelay, "attempt", attempt+1, "max_retries", types.MaxRetries)

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// runSession captures and analyzes until the source ends, fails, or ctx is cancelled.
func (e *Engine) runSession(ctx context.Context, snap *config.Snapshot) error {
	f := snap.Format()
	name := sourceName(snap)

	src, err := e.open(snap, f)
	if err != nil {
		e.logCapture(eventlog.CaptureError, "capture source unavailable", eventlog.CaptureDetails{Source: name, Error: err.Error()})
		return err
	}
	defer util.SafeCloseFunc(src, "capture source")()

	sess := &session{source: name, pipe: capture.NewPipe(snap.PipeCapacity)}
	sess.producer, err = capture.NewProducer(src, sess.pipe, capture.ProducerConfig{
		Format:       f,
		ReadyTimeout: snap.ReadyTimeout,
		OnTimeout: func(count int) {
			e.logCapture(eventlog.CaptureTimeout, "capture device timeout", eventlog.CaptureDetails{Source: name, Timeouts: count})
		},
	})
	if err != nil {
		return err
	}

	func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.session = sess
		e.state = types.StateRunning
		e.startTime = time.Now()
	}()

	slog.Info("capture session started", "source", name,
		"sample_rate", f.SampleRate, "bit_depth", f.BitDepth, "chunk_seconds", f.ChunkDuration)
	e.logCapture(eventlog.CaptureStarted, "capture session started", eventlog.CaptureDetails{Source: name})

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	produced := make(chan error, 1)
	go func() {
		produced <- sess.producer.Run(sessCtx)
	}()

	consumeErr := e.consume(sess, tempo.NewAnalyzer(f))
	if consumeErr != nil {
		cancel()
	}
	for range sess.pipe.Chunks() {
	}
	produceErr := <-produced

	func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.session == sess {
			e.session = nil
		}
	}()

	err = consumeErr
	if err == nil {
		err = produceErr
	}

	details := eventlog.CaptureDetails{
		Source:   name,
		Chunks:   int(sess.chunks.Load()),
		Timeouts: sess.producer.Timeouts(),
	}
	if err != nil {
		details.Error = err.Error()
		e.logCapture(eventlog.CaptureError, "capture session failed", details)
	} else {
		e.logCapture(eventlog.CaptureStopped, "capture session ended", details)
	}
	return err
}

// openSource opens the configured replay file or starts the platform capture command.
func (e *Engine) openSource(snap *config.Snapshot, f audio.Format) (capture.Source, error) {
	if snap.UsesFile() {
		return capture.OpenWAV(snap.AudioFile, f, snap.Realtime)
	}

	cmdName, args, err := audio.BuildCaptureCommand(snap.AudioInput, e.ffmpegPath, f)
	if err != nil {
		return nil, err
	}
	slog.Info("starting audio capture", "command", cmdName, "input", snap.AudioInput)
	return capture.StartProcess(cmdName, args...)
}

// consume analyzes chunks until the pipe closes. A chunk that cannot be
// decoded ends the session.
func (e *Engine) consume(sess *session, analyzer *tempo.Analyzer) error {
	for chunk := range sess.pipe.Chunks() {
		res, err := analyzer.Analyze(chunk)
		if err != nil && !errors.Is(err, tempo.ErrNoBeatDetected) {
			return fmt.Errorf("analyze chunk %d: %w", sess.chunks.Load()+1, err)
		}

		seq := int(sess.chunks.Add(1))
		e.report(types.Estimate{
			BPM:       res.BPM,
			RawBPM:    res.RawBPM,
			Detected:  err == nil,
			Peaks:     res.Peaks,
			LevelDB:   res.LevelDB,
			PeakDB:    res.PeakDB,
			Clipped:   res.Clipped,
			Chunk:     seq,
			Timestamp: time.Now(),
			Source:    sess.source,
			Duration:  res.Duration.Seconds(),
		})
	}
	return nil
}

// report delivers an estimate to the log, the event log, subscribers and the notifier.
func (e *Engine) report(est types.Estimate) {
	if est.Detected {
		slog.Info("tempo estimate", "bpm", est.BPM, "raw_bpm", est.RawBPM,
			"peaks", est.Peaks, "level_db", est.LevelDB, "chunk", est.Chunk)
	} else {
		slog.Info("no beat detected", "peaks", est.Peaks, "level_db", est.LevelDB, "chunk", est.Chunk)
	}
	if est.Clipped > 0 {
		slog.Warn("input clipping", "samples", est.Clipped, "peak_db", est.PeakDB, "chunk", est.Chunk)
	}

	if e.events != nil {
		if err := e.events.LogTempo(eventlog.TempoDetails{
			BPM:     est.BPM,
			RawBPM:  est.RawBPM,
			Peaks:   est.Peaks,
			LevelDB: est.LevelDB,
			PeakDB:  est.PeakDB,
			Clipped: est.Clipped,
			Chunk:   est.Chunk,
		}); err != nil {
			slog.Warn("failed to write tempo event", "error", err)
		}
	}

	e.mu.Lock()
	e.last = &est
	for ch := range e.subs {
		select {
		case ch <- est:
		default:
		}
	}
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.HandleEstimate(est)
	}
}

func (e *Engine) logCapture(t eventlog.EventType, msg string, d eventlog.CaptureDetails) {
	if e.events == nil {
		return
	}
	if err := e.events.LogCapture(t, msg, d); err != nil {
		slog.Warn("failed to write capture event", "type", t, "error", err)
	}
}

// sourceName describes the capture source for logs and status.
func sourceName(snap *config.Snapshot) string {
	switch {
	case snap.UsesFile():
		return "file:" + snap.AudioFile
	case snap.AudioInput != "":
		return snap.AudioInput
	default:
		return "default"
	}
}
