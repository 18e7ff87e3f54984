package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/oszuidwest/zwfm-tempo/internal/audio"
)

// ErrUnsupportedWAV is returned for WAV files the replay source cannot feed to the analyzer.
var ErrUnsupportedWAV = errors.New("unsupported wav file")

// wavBlockSamples is the number of samples decoded per readiness cycle (100 ms at 44.1 kHz).
const wavBlockSamples = 4410

// WAVSource replays a mono PCM WAV file as if it were a capture device.
// Signed samples are converted to the unsigned little-endian layout live devices deliver.
type WAVSource struct {
	file   *os.File
	dec    *wav.Decoder
	format audio.Format
	buf    *goaudio.IntBuffer

	pending []byte
	eof     bool

	realtime bool
	started  time.Time
	sent     int
}

// OpenWAV opens path for replay. The file must be mono PCM at the sample rate and
// bit depth of f. With realtime set, data is released no faster than the audio rate.
func OpenWAV(path string, f audio.Format, realtime bool) (*WAVSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s is not a wav file", ErrUnsupportedWAV, path)
	}
	dec.ReadInfo()

	if err := checkWAV(dec, f); err != nil {
		_ = file.Close()
		return nil, err
	}

	return &WAVSource{
		file:   file,
		dec:    dec,
		format: f,
		buf: &goaudio.IntBuffer{
			Data:   make([]int, wavBlockSamples),
			Format: dec.Format(),
		},
		realtime: realtime,
	}, nil
}

func checkWAV(dec *wav.Decoder, f audio.Format) error {
	if dec.WavAudioFormat != 1 {
		return fmt.Errorf("%w: audio format %d is not PCM", ErrUnsupportedWAV, dec.WavAudioFormat)
	}
	if dec.NumChans != 1 {
		return fmt.Errorf("%w: %d channels, want mono", ErrUnsupportedWAV, dec.NumChans)
	}
	switch dec.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: bit depth %d", ErrUnsupportedWAV, dec.BitDepth)
	}
	if int(dec.BitDepth) != f.BitDepth {
		return fmt.Errorf("%w: bit depth %d, configured %d", ErrUnsupportedWAV, dec.BitDepth, f.BitDepth)
	}
	if int(dec.SampleRate) != f.SampleRate {
		return fmt.Errorf("%w: sample rate %d, configured %d", ErrUnsupportedWAV, dec.SampleRate, f.SampleRate)
	}
	return nil
}

// WaitReady implements Source. It returns io.EOF once the file is exhausted.
func (s *WAVSource) WaitReady(ctx context.Context, timeout time.Duration) error {
	if len(s.pending) > 0 {
		return nil
	}
	if s.eof {
		return io.EOF
	}

	if s.realtime {
		if err := s.pace(ctx, timeout); err != nil {
			return err
		}
	}

	n, err := s.dec.PCMBuffer(s.buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			s.eof = true
			return io.EOF
		}
		return err
	}
	s.pending = s.encode(s.buf.Data[:n])
	return nil
}

// pace waits until the audio released so far has played out in real time.
func (s *WAVSource) pace(ctx context.Context, timeout time.Duration) error {
	if s.started.IsZero() {
		s.started = time.Now()
		return nil
	}
	due := s.started.Add(time.Duration(s.sent) * time.Second / time.Duration(s.format.BytesPerSecond()))
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	var result error
	if wait > timeout {
		wait = timeout
		result = ErrDeviceTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// encode converts signed samples to unsigned little-endian bytes.
func (s *WAVSource) encode(samples []int) []byte {
	width := s.format.BlockAlign()
	zero := int64(1) << (s.format.BitDepth - 1)
	out := make([]byte, len(samples)*width)
	for i, v := range samples {
		u := uint32(int64(v) + zero)
		for b := range width {
			out[i*width+b] = byte(u >> (8 * b))
		}
	}
	return out
}

// Read implements Source.
func (s *WAVSource) Read(p []byte) (int, error) {
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	s.sent += n
	return n, nil
}

// Close implements Source.
func (s *WAVSource) Close() error {
	return s.file.Close()
}
