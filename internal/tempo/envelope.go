package tempo

// WindowsPerSecond is the number of energy windows per second of audio (100 ms windows).
const WindowsPerSecond = 10

// WindowSize returns the energy window length in samples.
func WindowSize(sampleRate int) int {
	return sampleRate / WindowsPerSecond
}

// Envelope computes the short-time energy of each window. Windows do not
// overlap and the final window may be short. Every sample is recentered by the
// format's zero point before squaring.
func Envelope(samples []uint32, sampleRate, bitDepth int) []float64 {
	window := WindowSize(sampleRate)
	if len(samples) == 0 || window <= 0 {
		return []float64{}
	}

	zero := ZeroPoint(bitDepth)
	energies := make([]float64, 0, (len(samples)+window-1)/window)
	for start := 0; start < len(samples); start += window {
		end := min(start+window, len(samples))
		var energy float64
		for _, s := range samples[start:end] {
			v := float64(s) - zero
			energy += v * v
		}
		energies = append(energies, energy)
	}
	return energies
}
