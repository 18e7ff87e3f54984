package capture

import (
	"context"
	"sync"
)

// DefaultPipeCapacity is the number of chunks that may wait for analysis before the producer blocks.
const DefaultPipeCapacity = 2

// Pipe is a bounded hand-off of chunks from the capture producer to the analysis consumer.
// Send blocks while the pipe is full, which keeps memory bounded when analysis falls behind.
type Pipe struct {
	ch   chan []byte
	once sync.Once
}

// NewPipe returns a Pipe holding at most capacity pending chunks.
func NewPipe(capacity int) *Pipe {
	if capacity < 0 {
		capacity = 0
	}
	return &Pipe{ch: make(chan []byte, capacity)}
}

// Send hands chunk to the consumer, blocking until a slot is free or ctx is done.
// The caller must not touch chunk afterwards. Send must not be called after Close.
func (p *Pipe) Send(ctx context.Context, chunk []byte) error {
	select {
	case p.ch <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Chunks returns the receive side. It is closed once the producer closes the pipe.
func (p *Pipe) Chunks() <-chan []byte {
	return p.ch
}

// Pending returns the number of chunks waiting for the consumer.
func (p *Pipe) Pending() int {
	return len(p.ch)
}

// Cap returns the pipe capacity.
func (p *Pipe) Cap() int {
	return cap(p.ch)
}

// Close signals the consumer that no more chunks will arrive. It is safe to call more than once.
func (p *Pipe) Close() {
	p.once.Do(func() { close(p.ch) })
}
