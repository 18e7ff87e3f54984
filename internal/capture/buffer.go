package capture

import "bytes"

// Buffer accumulates irregular device reads and cuts them into fixed-size chunks.
// It is not safe for concurrent use; the producer owns it.
type Buffer struct {
	buf bytes.Buffer
}

// NewBuffer returns a Buffer with capacity bytes pre-reserved.
func NewBuffer(capacity int) *Buffer {
	b := &Buffer{}
	if capacity > 0 {
		b.buf.Grow(capacity)
	}
	return b
}

// Append adds p to the tail of the buffer.
func (b *Buffer) Append(p []byte) {
	b.buf.Write(p) //nolint:errcheck // bytes.Buffer.Write always returns nil
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return b.buf.Len()
}

// Bytes returns a copy of the buffered bytes.
func (b *Buffer) Bytes() []byte {
	return bytes.Clone(b.buf.Bytes())
}

// DrainChunks removes chunks of exactly size bytes from the head while more
// than size bytes are buffered. Each chunk is a fresh allocation the caller owns.
func (b *Buffer) DrainChunks(size int) [][]byte {
	return b.drain(size, func() bool { return b.buf.Len() > size })
}

// FlushChunks is DrainChunks for the end of a stream: a tail of exactly size
// bytes is also returned.
func (b *Buffer) FlushChunks(size int) [][]byte {
	return b.drain(size, func() bool { return b.buf.Len() >= size })
}

func (b *Buffer) drain(size int, more func() bool) [][]byte {
	if size <= 0 {
		return nil
	}
	var chunks [][]byte
	for more() {
		chunk := make([]byte, size)
		copy(chunk, b.buf.Next(size))
		chunks = append(chunks, chunk)
	}
	return chunks
}
