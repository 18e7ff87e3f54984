package tempo

import (
	"fmt"
	"math"
)

// Canonical tempo range for octave normalization.
const (
	MinBPM = 60
	MaxBPM = 180
)

// floorEpsilon absorbs rounding noise so 119.99999999999997 floors to 120.
const floorEpsilon = 1e-9

// Intervals returns the gaps between consecutive peak times.
func Intervals(peakTimes []float64) []float64 {
	if len(peakTimes) < 2 {
		return []float64{}
	}
	intervals := make([]float64, len(peakTimes)-1)
	for i := range intervals {
		intervals[i] = peakTimes[i+1] - peakTimes[i]
	}
	return intervals
}

// Estimate derives a raw BPM from the mean interval between peaks.
// It returns ErrNoBeatDetected when fewer than two peaks are given.
func Estimate(peakTimes []float64) (int, error) {
	if len(peakTimes) < 2 {
		return 0, fmt.Errorf("%w: %d peaks", ErrNoBeatDetected, len(peakTimes))
	}

	intervals := Intervals(peakTimes)
	var sum float64
	for _, iv := range intervals {
		sum += iv
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return 0, fmt.Errorf("%w: zero mean interval", ErrNoBeatDetected)
	}

	return int(math.Floor(60/mean + floorEpsilon)), nil
}

// NormalizeOctave folds a BPM into [MinBPM, MaxBPM] by doubling or halving.
// Zero and negative values are returned unchanged.
func NormalizeOctave(bpm int) int {
	if bpm <= 0 {
		return bpm
	}
	for bpm < MinBPM {
		bpm *= 2
	}
	for bpm > MaxBPM {
		bpm /= 2
	}
	return bpm
}
