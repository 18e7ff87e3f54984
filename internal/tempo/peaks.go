package tempo

import "slices"

// PeakThresholdRatio is the fraction of the largest energy rise a window must exceed to count as a peak.
const PeakThresholdRatio = 0.6

// Diff returns the first differences of an energy envelope.
func Diff(envelope []float64) []float64 {
	if len(envelope) < 2 {
		return []float64{}
	}
	diffs := make([]float64, len(envelope)-1)
	for i := range diffs {
		diffs[i] = envelope[i+1] - envelope[i]
	}
	return diffs
}

// DetectPeaks returns the offsets in seconds of windows whose energy rise
// exceeds PeakThresholdRatio of the largest rise. Adjacent windows may both
// be reported; there is no minimum spacing.
func DetectPeaks(envelope []float64, sampleRate, windowSize int) []float64 {
	diffs := Diff(envelope)
	if len(diffs) == 0 || sampleRate <= 0 {
		return []float64{}
	}

	threshold := slices.Max(diffs) * PeakThresholdRatio

	peaks := []float64{}
	for i, d := range diffs {
		if d > threshold {
			peaks = append(peaks, float64(i*windowSize)/float64(sampleRate))
		}
	}
	return peaks
}
