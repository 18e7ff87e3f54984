package tempo

import (
	"encoding/binary"
	"time"

	"github.com/oszuidwest/zwfm-tempo/internal/audio"
)

// Result is the outcome of analyzing one chunk.
type Result struct {
	BPM      int           // octave-normalized tempo
	RawBPM   int           // tempo before normalization
	Peaks    int           // detected energy rises
	Windows  int           // energy windows in the chunk
	Duration time.Duration // audio length of the chunk
	LevelDB  float64       // RMS level in dBFS
	PeakDB   float64       // peak level in dBFS
	Clipped  int           // samples at or near full scale
}

// Analyzer runs the decode, envelope, peak and estimate stages on single chunks.
// It holds no state between chunks and is safe for concurrent use.
type Analyzer struct {
	format audio.Format
	order  binary.ByteOrder
}

// NewAnalyzer returns an Analyzer for little-endian chunks of the given format.
func NewAnalyzer(f audio.Format) *Analyzer {
	return &Analyzer{format: f, order: binary.LittleEndian}
}

// Format returns the PCM format the analyzer expects.
func (a *Analyzer) Format() audio.Format {
	return a.format
}

// Analyze estimates the tempo of one chunk. A chunk without enough peaks
// returns a partially filled Result together with ErrNoBeatDetected.
func (a *Analyzer) Analyze(chunk []byte) (Result, error) {
	samples, err := Decode(chunk, a.format.BitDepth, a.order)
	if err != nil {
		return Result{}, err
	}

	levels := audio.NewLevelData(a.format.BitDepth)
	levels.ProcessSamples(samples)

	window := WindowSize(a.format.SampleRate)
	envelope := Envelope(samples, a.format.SampleRate, a.format.BitDepth)
	peaks := DetectPeaks(envelope, a.format.SampleRate, window)

	lv := audio.CalculateLevels(levels)
	res := Result{
		Peaks:    len(peaks),
		Windows:  len(envelope),
		Duration: time.Duration(len(samples)) * time.Second / time.Duration(a.format.SampleRate),
		LevelDB:  lv.RMS,
		PeakDB:   lv.Peak,
		Clipped:  lv.Clip,
	}

	raw, err := Estimate(peaks)
	if err != nil {
		return res, err
	}
	res.RawBPM = raw
	res.BPM = NormalizeOctave(raw)
	return res, nil
}
