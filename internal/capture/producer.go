package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-tempo/internal/audio"
)

// State is the capture producer state.
type State string

const (
	// StateWaitingForDevice waits for the device to signal readable data.
	StateWaitingForDevice State = "waiting_for_device"
	// StateBuffering reads available bytes into the capture buffer.
	StateBuffering State = "buffering"
	// StateDraining moves complete chunks from the buffer into the pipe.
	StateDraining State = "draining"
	// StateFatalError means the device failed and the producer has exited.
	StateFatalError State = "fatal_error"
	// StateStopped means the producer exited because it was cancelled or the source ended.
	StateStopped State = "stopped"
)

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Format       audio.Format
	ReadyTimeout time.Duration // per wait; DefaultReadyTimeout when zero

	// OnTimeout is called after each readiness timeout with the running count.
	OnTimeout func(count int)
}

// Producer reads a Source, cuts the stream into chunks and sends them into a Pipe.
type Producer struct {
	src        Source
	pipe       *Pipe
	buf        *Buffer
	chunkBytes int
	timeout    time.Duration
	onTimeout  func(int)

	mu       sync.Mutex
	state    State
	timeouts atomic.Int64
	chunks   atomic.Int64
}

// NewProducer returns a Producer feeding pipe from src.
func NewProducer(src Source, pipe *Pipe, cfg ProducerConfig) (*Producer, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	chunkBytes := cfg.Format.ChunkBytes()
	return &Producer{
		src:        src,
		pipe:       pipe,
		buf:        NewBuffer(2 * chunkBytes),
		chunkBytes: chunkBytes,
		timeout:    timeout,
		onTimeout:  cfg.OnTimeout,
		state:      StateWaitingForDevice,
	}, nil
}

// State returns the current producer state.
func (p *Producer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Timeouts returns how many readiness timeouts occurred.
func (p *Producer) Timeouts() int {
	return int(p.timeouts.Load())
}

// Chunks returns how many chunks were sent into the pipe.
func (p *Producer) Chunks() int {
	return int(p.chunks.Load())
}

func (p *Producer) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	if prev != s {
		slog.Debug("capture state changed", "from", prev, "to", s)
	}
}

// Run captures until ctx is cancelled, the source ends, or the device fails.
// The pipe is closed when Run returns. A device failure is returned wrapped in
// ErrDeviceFatal; cancellation and the end of a finite source return nil.
func (p *Producer) Run(ctx context.Context) error {
	defer p.pipe.Close()

	scratch := make([]byte, readSize(p.chunkBytes))

	for {
		p.setState(StateDraining)
		if err := p.send(ctx, p.buf.DrainChunks(p.chunkBytes)); err != nil {
			p.setState(StateStopped)
			return nil
		}

		p.setState(StateWaitingForDevice)
		err := p.waitReady(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			p.setState(StateStopped)
			return nil
		case errors.Is(err, io.EOF):
			p.setState(StateDraining)
			_ = p.send(ctx, p.buf.FlushChunks(p.chunkBytes))
			if rest := p.buf.Len(); rest > 0 {
				slog.Info("discarding partial chunk at end of stream", "bytes", rest)
			}
			p.setState(StateStopped)
			return nil
		default:
			p.setState(StateFatalError)
			return fmt.Errorf("%w: %w", ErrDeviceFatal, err)
		}

		p.setState(StateBuffering)
		n, err := p.src.Read(scratch)
		if n > 0 {
			p.buf.Append(scratch[:n])
		}
		if err != nil && !errors.Is(err, io.EOF) {
			p.setState(StateFatalError)
			return fmt.Errorf("%w: %w", ErrDeviceFatal, err)
		}
	}
}

// waitReady waits for the device, logging and retrying timeouts indefinitely.
func (p *Producer) waitReady(ctx context.Context) error {
	for {
		err := p.src.WaitReady(ctx, p.timeout)
		if !errors.Is(err, ErrDeviceTimeout) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		count := int(p.timeouts.Add(1))
		slog.Warn("capture device timeout, still waiting", "timeout", p.timeout, "count", count)
		if p.onTimeout != nil {
			p.onTimeout(count)
		}
	}
}

func (p *Producer) send(ctx context.Context, chunks [][]byte) error {
	for _, chunk := range chunks {
		if err := p.pipe.Send(ctx, chunk); err != nil {
			return err
		}
		p.chunks.Add(1)
	}
	return nil
}

// readSize picks the scratch size for one read: a tenth of a chunk, at least 4 KiB.
func readSize(chunkBytes int) int {
	return max(chunkBytes/10, 4096)
}
