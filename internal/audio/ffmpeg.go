//go:build !linux && !windows

package audio

import "strconv"

// buildFFmpegCaptureArgs constructs FFmpeg arguments for mono unsigned PCM capture.
func buildFFmpegCaptureArgs(inputFormat, device string, f Format) []string {
	return []string{
		"-f", inputFormat,
		"-i", device,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-vn",
		"-f", f.ffmpegFormat(),
		"-ac", "1",
		"-ar", strconv.Itoa(f.SampleRate),
		"pipe:1",
	}
}
