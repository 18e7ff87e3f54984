//go:build linux

package audio

import (
	"slices"
	"testing"
)

func TestBuildCaptureCommand_Linux(t *testing.T) {
	t.Parallel()

	cmd, args, err := BuildCaptureCommand("", "/usr/bin/ffmpeg", Format{SampleRate: 48000, BitDepth: 24, ChunkDuration: 5})
	if err != nil {
		t.Fatalf("BuildCaptureCommand() error = %v", err)
	}
	if cmd != "arecord" {
		t.Errorf("command = %q, want arecord", cmd)
	}
	want := []string{"-D", "default", "-f", "U24_3LE", "-r", "48000", "-c", "1", "-t", "raw", "-q", "-"}
	if !slices.Equal(args, want) {
		t.Errorf("args = %v, want %v", args, want)
	}
}
