// Package audio provides capture command construction, device discovery and level metering
// for the mono unsigned PCM stream the tempo analyzer consumes.
package audio

import "math"

const (
	// MinDB is the minimum dB level (silence).
	MinDB = -60.0
	// ClipRatio is the fraction of full scale above which a sample counts as clipped.
	ClipRatio = 32760.0 / 32768.0
)

// LevelData holds raw sample accumulator data for level calculation.
type LevelData struct {
	SumSquares  float64
	Peak        float64
	ClipCount   int
	SampleCount int
	fullScale   float64
}

// NewLevelData returns an accumulator for samples of the given bit depth.
func NewLevelData(bitDepth int) *LevelData {
	return &LevelData{fullScale: fullScale(bitDepth)}
}

// fullScale returns the zero point of an unsigned format, which is also its maximum amplitude.
func fullScale(bitDepth int) float64 {
	return float64(uint64(1) << (bitDepth - 1))
}

// ProcessSamples accumulates level data from unsigned samples.
func (d *LevelData) ProcessSamples(samples []uint32) {
	clip := d.fullScale * ClipRatio
	for _, s := range samples {
		v := float64(s) - d.fullScale

		d.SumSquares += v * v

		if a := math.Abs(v); a > d.Peak {
			d.Peak = a
		}
		if math.Abs(v) >= clip {
			d.ClipCount++
		}
		d.SampleCount++
	}
}

// Levels contains calculated audio levels in dB.
type Levels struct {
	RMS  float64
	Peak float64
	Clip int
}

// CalculateLevels computes RMS and peak levels from accumulated sample data.
func CalculateLevels(data *LevelData) Levels {
	if data.SampleCount == 0 || data.fullScale == 0 {
		return Levels{RMS: MinDB, Peak: MinDB}
	}

	rms := math.Sqrt(data.SumSquares / float64(data.SampleCount))

	db := 20 * math.Log10(rms/data.fullScale)
	peakDB := 20 * math.Log10(data.Peak/data.fullScale)

	return Levels{
		RMS:  max(db, MinDB),
		Peak: max(peakDB, MinDB),
		Clip: data.ClipCount,
	}
}
