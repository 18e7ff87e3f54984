package audio

import (
	"errors"
	"fmt"
)

// Reference capture format.
const (
	DefaultSampleRate    = 44100
	DefaultBitDepth      = 16
	DefaultChunkDuration = 5 // seconds
)

// ErrInvalidFormat is returned when a capture format cannot be used.
var ErrInvalidFormat = errors.New("invalid audio format")

// Format describes the mono unsigned PCM stream handed to the analysis core.
type Format struct {
	SampleRate    int // samples per second
	BitDepth      int // bits per sample (8, 16, 24 or 32)
	ChunkDuration int // seconds of audio per analysis chunk
}

// DefaultFormat returns the reference format: 44.1 kHz, 16 bit, 5 second chunks.
func DefaultFormat() Format {
	return Format{
		SampleRate:    DefaultSampleRate,
		BitDepth:      DefaultBitDepth,
		ChunkDuration: DefaultChunkDuration,
	}
}

// Validate reports whether the format is usable.
func (f Format) Validate() error {
	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: bit depth %d", ErrInvalidFormat, f.BitDepth)
	}
	if f.SampleRate < WindowRateMin {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.ChunkDuration <= 0 {
		return fmt.Errorf("%w: chunk duration %ds", ErrInvalidFormat, f.ChunkDuration)
	}
	return nil
}

// WindowRateMin is the lowest sample rate that still yields one sample per 100 ms window.
const WindowRateMin = 10

// BlockAlign returns the number of bytes per mono frame.
func (f Format) BlockAlign() int {
	return f.BitDepth / 8
}

// ChunkSamples returns the number of samples in one analysis chunk.
func (f Format) ChunkSamples() int {
	return f.SampleRate * f.ChunkDuration
}

// ChunkBytes returns the size of one analysis chunk in bytes.
func (f Format) ChunkBytes() int {
	return f.BlockAlign() * f.ChunkSamples()
}

// BytesPerSecond returns the data rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BlockAlign()
}

// arecordFormat returns the ALSA sample format name for unsigned little-endian samples.
func (f Format) arecordFormat() string {
	switch f.BitDepth {
	case 8:
		return "U8"
	case 24:
		return "U24_3LE"
	case 32:
		return "U32_LE"
	default:
		return "U16_LE"
	}
}

// ffmpegFormat returns the FFmpeg raw muxer name for unsigned little-endian samples.
func (f Format) ffmpegFormat() string {
	switch f.BitDepth {
	case 8:
		return "u8"
	case 24:
		return "u24le"
	case 32:
		return "u32le"
	default:
		return "u16le"
	}
}
