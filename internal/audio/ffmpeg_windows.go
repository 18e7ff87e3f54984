//go:build windows

package audio

import "strconv"

// buildFFmpegCaptureArgs constructs FFmpeg arguments for mono unsigned PCM capture on Windows.
// Note: -nostdin is NOT used on Windows to allow graceful shutdown via 'q' command.
func buildFFmpegCaptureArgs(inputFormat, device string, f Format) []string {
	return []string{
		"-f", inputFormat,
		"-i", device,
		"-hide_banner",
		"-loglevel", "warning",
		"-vn",
		"-f", f.ffmpegFormat(),
		"-ac", "1",
		"-ar", strconv.Itoa(f.SampleRate),
		"pipe:1",
	}
}
