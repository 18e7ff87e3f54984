package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/oszuidwest/zwfm-tempo/internal/audio"
)

// smallFormat is 100 Hz 8-bit with 1 second chunks, so chunks are 100 bytes.
var smallFormat = audio.Format{SampleRate: 100, BitDepth: 8, ChunkDuration: 1}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestBuffer_DrainChunksStrict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		appended   int
		wantChunks int
		wantLeft   int
	}{
		{"empty", 0, 0, 0},
		{"below size", 99, 0, 99},
		{"exactly size stays", 100, 0, 100},
		{"one over", 101, 1, 1},
		{"two exact stays one", 200, 1, 100},
		{"many", 350, 3, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewBuffer(64)
			b.Append(sequence(tt.appended))

			chunks := b.DrainChunks(100)
			if len(chunks) != tt.wantChunks {
				t.Errorf("DrainChunks() = %d chunks, want %d", len(chunks), tt.wantChunks)
			}
			if b.Len() != tt.wantLeft {
				t.Errorf("Len() = %d, want %d", b.Len(), tt.wantLeft)
			}
			for i, c := range chunks {
				if len(c) != 100 {
					t.Errorf("chunk %d len = %d, want 100", i, len(c))
				}
			}
		})
	}
}

func TestBuffer_ChunksReconstructStream(t *testing.T) {
	t.Parallel()

	stream := sequence(1037)
	b := NewBuffer(0)

	var got []byte
	for off := 0; off < len(stream); off += 37 {
		b.Append(stream[off:min(off+37, len(stream))])
		for _, c := range b.DrainChunks(100) {
			got = append(got, c...)
		}
	}
	got = append(got, b.Bytes()...)

	if !bytes.Equal(got, stream) {
		t.Error("chunks followed by the remainder do not reproduce the appended stream")
	}
}

func TestBuffer_ChunksAreIndependent(t *testing.T) {
	t.Parallel()

	b := NewBuffer(0)
	b.Append(sequence(150))
	chunks := b.DrainChunks(100)
	if len(chunks) != 1 {
		t.Fatalf("DrainChunks() = %d chunks, want 1", len(chunks))
	}
	b.Append(bytes.Repeat([]byte{0xFF}, 200))
	if chunks[0][0] != 0 || chunks[0][99] != 99 {
		t.Error("chunk contents changed after further appends")
	}
}

func TestBuffer_FlushChunksIncludesExactTail(t *testing.T) {
	t.Parallel()

	b := NewBuffer(0)
	b.Append(sequence(200))
	if got := len(b.FlushChunks(100)); got != 2 {
		t.Errorf("FlushChunks() = %d chunks, want 2", got)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestPipe_BackpressureKeepsOrder(t *testing.T) {
	t.Parallel()

	p := NewPipe(2)
	ctx := context.Background()

	for i := range 2 {
		if err := p.Send(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}
	if p.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", p.Pending())
	}

	sent := make(chan struct{})
	go func() {
		_ = p.Send(ctx, []byte{2})
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("Send() returned while the pipe was full")
	case <-time.After(50 * time.Millisecond):
	}

	for want := range 3 {
		got := <-p.Chunks()
		if int(got[0]) != want {
			t.Errorf("received chunk %d, want %d", got[0], want)
		}
	}
	<-sent
}

func TestPipe_SendHonorsContext(t *testing.T) {
	t.Parallel()

	p := NewPipe(1)
	_ = p.Send(context.Background(), []byte{0})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Send(ctx, []byte{1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestPipe_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	p := NewPipe(DefaultPipeCapacity)
	p.Close()
	p.Close()
	if _, ok := <-p.Chunks(); ok {
		t.Error("Chunks() delivered a value after Close()")
	}
}

// step is one scripted WaitReady outcome of a fakeSource.
type step struct {
	err  error
	data []byte
}

type fakeSource struct {
	mu      sync.Mutex
	steps   []step
	pending []byte
	closed  bool
}

func (f *fakeSource) WaitReady(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.steps) == 0 {
		return io.EOF
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	if s.err != nil {
		return s.err
	}
	f.pending = append(f.pending, s.data...)
	return nil
}

func (f *fakeSource) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func collect(p *Pipe) <-chan [][]byte {
	out := make(chan [][]byte, 1)
	go func() {
		var chunks [][]byte
		for c := range p.Chunks() {
			chunks = append(chunks, c)
		}
		out <- chunks
	}()
	return out
}

func TestProducer_TimeoutsAreRetried(t *testing.T) {
	t.Parallel()

	src := &fakeSource{steps: []step{
		{err: ErrDeviceTimeout},
		{data: sequence(120)},
		{err: ErrDeviceTimeout},
		{err: ErrDeviceTimeout},
		{data: sequence(90)},
	}}
	pipe := NewPipe(DefaultPipeCapacity)

	var seen []int
	prod, err := NewProducer(src, pipe, ProducerConfig{
		Format:    smallFormat,
		OnTimeout: func(n int) { seen = append(seen, n) },
	})
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}

	got := collect(pipe)
	if err := prod.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}

	chunks := <-got
	if len(chunks) != 2 {
		t.Errorf("received %d chunks, want 2", len(chunks))
	}
	if prod.Timeouts() != 3 {
		t.Errorf("Timeouts() = %d, want 3", prod.Timeouts())
	}
	if len(seen) != 3 || seen[2] != 3 {
		t.Errorf("OnTimeout counts = %v, want [1 2 3]", seen)
	}
	if prod.State() != StateStopped {
		t.Errorf("State() = %v, want %v", prod.State(), StateStopped)
	}
}

func TestProducer_FatalErrorClosesPipe(t *testing.T) {
	t.Parallel()

	boom := errors.New("device unplugged")
	src := &fakeSource{steps: []step{{data: sequence(150)}, {err: boom}}}
	pipe := NewPipe(DefaultPipeCapacity)
	prod, err := NewProducer(src, pipe, ProducerConfig{Format: smallFormat})
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}

	got := collect(pipe)
	err = prod.Run(context.Background())
	if !errors.Is(err, ErrDeviceFatal) || !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want ErrDeviceFatal wrapping the device error", err)
	}
	if prod.State() != StateFatalError {
		t.Errorf("State() = %v, want %v", prod.State(), StateFatalError)
	}
	if chunks := <-got; len(chunks) != 1 {
		t.Errorf("received %d chunks before failure, want 1", len(chunks))
	}
}

func TestProducer_CancelStops(t *testing.T) {
	t.Parallel()

	steps := make([]step, 0, 1000)
	for range 1000 {
		steps = append(steps, step{err: ErrDeviceTimeout})
	}
	src := &fakeSource{steps: steps}
	pipe := NewPipe(DefaultPipeCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	prod, err := NewProducer(src, pipe, ProducerConfig{
		Format: smallFormat,
		OnTimeout: func(n int) {
			if n == 5 {
				cancel()
			}
		},
	})
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}

	if err := prod.Run(ctx); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
	if _, ok := <-pipe.Chunks(); ok {
		t.Error("pipe still open after Run() returned")
	}
}

func TestProducer_InvalidFormat(t *testing.T) {
	t.Parallel()

	_, err := NewProducer(&fakeSource{}, NewPipe(1), ProducerConfig{Format: audio.Format{SampleRate: 44100, BitDepth: 12, ChunkDuration: 5}})
	if !errors.Is(err, audio.ErrInvalidFormat) {
		t.Errorf("NewProducer() error = %v, want ErrInvalidFormat", err)
	}
}

func TestReaderSource_DeliversThenEOF(t *testing.T) {
	t.Parallel()

	src := NewReaderSource(bytes.NewReader(sequence(10)))
	defer src.Close()

	ctx := context.Background()
	if err := src.WaitReady(ctx, time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v, want nil", err)
	}
	buf := make([]byte, 64)
	n, _ := src.Read(buf)
	if !bytes.Equal(buf[:n], sequence(10)) {
		t.Errorf("Read() = %v, want %v", buf[:n], sequence(10))
	}
	if err := src.WaitReady(ctx, time.Second); !errors.Is(err, io.EOF) {
		t.Errorf("WaitReady() error = %v, want io.EOF", err)
	}
}

func TestReaderSource_Timeout(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	defer w.Close()
	src := NewReaderSource(r)
	defer src.Close()

	if err := src.WaitReady(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrDeviceTimeout) {
		t.Errorf("WaitReady() error = %v, want ErrDeviceTimeout", err)
	}
}

func writeWAV(t *testing.T, sampleRate, bitDepth, channels int, data []int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, bitDepth, channels, 1)
	buf := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: channels},
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close wav file: %v", err)
	}
	return path
}

func TestWAVSource_ConvertsToUnsigned(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 100, BitDepth: 16, ChunkDuration: 1}
	path := writeWAV(t, 100, 16, 1, []int{0, -32768, 32767, 1})

	src, err := OpenWAV(path, f, false)
	if err != nil {
		t.Fatalf("OpenWAV() error = %v", err)
	}
	defer src.Close()

	if err := src.WaitReady(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	buf := make([]byte, 16)
	n, _ := src.Read(buf)

	want := []byte{0x00, 0x80, 0x00, 0x00, 0xFF, 0xFF, 0x01, 0x80}
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("Read() = % x, want % x", buf[:n], want)
	}
	if err := src.WaitReady(context.Background(), time.Second); !errors.Is(err, io.EOF) {
		t.Errorf("WaitReady() error = %v, want io.EOF", err)
	}
}

func TestWAVSource_RejectsMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rate     int
		depth    int
		channels int
	}{
		{"stereo", 100, 16, 2},
		{"sample rate", 200, 16, 1},
		{"bit depth", 100, 24, 1},
	}

	f := audio.Format{SampleRate: 100, BitDepth: 16, ChunkDuration: 1}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeWAV(t, tt.rate, tt.depth, tt.channels, make([]int, 4*tt.channels))
			if _, err := OpenWAV(path, f, false); !errors.Is(err, ErrUnsupportedWAV) {
				t.Errorf("OpenWAV() error = %v, want ErrUnsupportedWAV", err)
			}
		})
	}
}

func TestWAVSource_ProducerFlushesAtEOF(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 100, BitDepth: 16, ChunkDuration: 1}
	path := writeWAV(t, 100, 16, 1, make([]int, 300))

	src, err := OpenWAV(path, f, false)
	if err != nil {
		t.Fatalf("OpenWAV() error = %v", err)
	}
	defer src.Close()

	pipe := NewPipe(DefaultPipeCapacity)
	prod, err := NewProducer(src, pipe, ProducerConfig{Format: f})
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}

	got := collect(pipe)
	if err := prod.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	chunks := <-got
	if len(chunks) != 3 {
		t.Fatalf("received %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) != f.ChunkBytes() {
			t.Errorf("chunk %d len = %d, want %d", i, len(c), f.ChunkBytes())
		}
		if c[0] != 0x00 || c[1] != 0x80 {
			t.Errorf("chunk %d starts with % x, want silence at 0x8000", i, c[:2])
		}
	}
}
