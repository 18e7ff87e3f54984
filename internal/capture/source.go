// Package capture turns a live PCM byte stream into fixed-size chunks and hands
// them to analysis through a bounded pipe.
package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// DefaultReadyTimeout is how long the producer waits for the device before logging a timeout and retrying.
const DefaultReadyTimeout = 3000 * time.Millisecond

// Sentinel errors for capture sources.
var (
	// ErrDeviceTimeout means the device did not signal readiness in time. It is retried.
	ErrDeviceTimeout = errors.New("timed out waiting for capture device")

	// ErrDeviceFatal means the capture source failed and capture must stop.
	ErrDeviceFatal = errors.New("capture device failed")
)

// Source is a capture device as seen by the producer.
//
// WaitReady blocks until data can be read. It returns nil when ready,
// ErrDeviceTimeout when timeout elapses first, io.EOF when a finite source is
// exhausted, and any other error when the device failed. Read never blocks; it
// returns what is available, possibly nothing.
type Source interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	Read(p []byte) (int, error)
	Close() error
}

// readBlockSize is the size of each read from the underlying reader (~50 ms of 16-bit 44.1 kHz mono).
const readBlockSize = 4410

// ReaderSource adapts a blocking io.Reader to the Source readiness model.
// A background goroutine reads blocks and WaitReady waits for the next one.
type ReaderSource struct {
	r      io.Reader
	blocks chan []byte
	done   chan struct{}

	mu      sync.Mutex
	pending []byte
	err     error // terminal read error, set before blocks is closed
	once    sync.Once
}

// NewReaderSource starts reading r in the background.
func NewReaderSource(r io.Reader) *ReaderSource {
	s := &ReaderSource{
		r:      r,
		blocks: make(chan []byte, 8),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *ReaderSource) readLoop() {
	defer close(s.blocks)
	for {
		buf := make([]byte, readBlockSize)
		n, err := s.r.Read(buf)
		if n > 0 {
			select {
			case s.blocks <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
	}
}

// WaitReady implements Source.
func (s *ReaderSource) WaitReady(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	ready := len(s.pending) > 0
	s.mu.Unlock()
	if ready {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case block, ok := <-s.blocks:
		if !ok {
			return s.terminalErr()
		}
		s.mu.Lock()
		s.pending = append(s.pending, block...)
		s.mu.Unlock()
		return nil
	case <-timer.C:
		return ErrDeviceTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read implements Source.
func (s *ReaderSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close stops the background reader. It does not close the underlying reader.
func (s *ReaderSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *ReaderSource) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return io.EOF
	}
	return s.err
}
