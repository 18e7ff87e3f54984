// Package tempo estimates musical tempo from chunks of raw PCM audio.
//
// A chunk flows through four stages: decoding into unsigned samples, a 100 ms
// energy envelope, rising-energy peak detection and interval averaging. The
// resulting BPM is folded into the 60-180 range.
package tempo

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors for tempo analysis.
var (
	// ErrMalformedChunk means a chunk length is not a multiple of the sample width.
	// Chunks are cut on sample boundaries, so this signals a chunking bug.
	ErrMalformedChunk = errors.New("malformed chunk")

	// ErrUnsupportedBitDepth is returned for bit depths other than 8, 16, 24 and 32.
	ErrUnsupportedBitDepth = errors.New("unsupported bit depth")

	// ErrNoBeatDetected means fewer than two peaks were found in a chunk.
	ErrNoBeatDetected = errors.New("no beat detected")
)

// SampleWidth returns the number of bytes per sample for the given bit depth.
func SampleWidth(bitDepth int) (int, error) {
	switch bitDepth {
	case 8, 16, 24, 32:
		return bitDepth / 8, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, bitDepth)
	}
}

// ZeroPoint returns the unsigned value that represents zero amplitude.
func ZeroPoint(bitDepth int) float64 {
	return float64(uint64(1) << (bitDepth - 1))
}

// Decode reinterprets raw bytes as unsigned samples of the given bit depth and byte order.
func Decode(chunk []byte, bitDepth int, order binary.ByteOrder) ([]uint32, error) {
	width, err := SampleWidth(bitDepth)
	if err != nil {
		return nil, err
	}
	if len(chunk)%width != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedChunk, len(chunk), width)
	}

	samples := make([]uint32, len(chunk)/width)
	for i := range samples {
		b := chunk[i*width : (i+1)*width]
		switch width {
		case 1:
			samples[i] = uint32(b[0])
		case 2:
			samples[i] = uint32(order.Uint16(b))
		case 3:
			samples[i] = uint24(b, order)
		case 4:
			samples[i] = order.Uint32(b)
		}
	}
	return samples, nil
}

// uint24 assembles a packed 24-bit sample.
func uint24(b []byte, order binary.ByteOrder) uint32 {
	if order == binary.BigEndian {
		return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
