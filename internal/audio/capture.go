package audio

import (
	"errors"
	"os/exec"
)

// ErrNoAudioDevice is returned when no audio input device is available.
var ErrNoAudioDevice = errors.New("no audio input device found")

// CaptureConfig defines platform-specific audio capture configuration.
type CaptureConfig struct {
	// Command is the executable name (e.g., "arecord", "ffmpeg").
	Command string

	// DefaultDevice is used when no device is configured.
	DefaultDevice string

	// UsesFFmpeg indicates if this platform uses FFmpeg for capture.
	UsesFFmpeg bool

	// BuildArgs returns the command arguments for mono capture of the given format.
	BuildArgs func(device string, f Format) []string
}

// BuildCaptureCommand returns the command and arguments for audio capture.
// If device is empty, it attempts to use the default or auto-detect.
// The ffmpegPath parameter is used on platforms that use FFmpeg for capture.
func BuildCaptureCommand(device, ffmpegPath string, f Format) (cmd string, args []string, err error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}

	cfg := getPlatformConfig()

	if device == "" {
		device = cfg.DefaultDevice
	}

	// Auto-detect if still empty (Windows has no safe default).
	if device == "" {
		devices := ListDevices()
		if len(devices) == 0 {
			return "", nil, ErrNoAudioDevice
		}
		device = devices[0].ID
	}

	command := cfg.Command
	if cfg.UsesFFmpeg && ffmpegPath != "" {
		command = ffmpegPath
	}

	return command, cfg.BuildArgs(device, f), nil
}

// CaptureAvailable reports whether the platform capture tool can be found.
// The ffmpegPath parameter is used on platforms that use FFmpeg for capture.
func CaptureAvailable(ffmpegPath string) bool {
	cfg := getPlatformConfig()
	if cfg.UsesFFmpeg {
		return ffmpegPath != ""
	}
	_, err := exec.LookPath(cfg.Command)
	return err == nil
}
