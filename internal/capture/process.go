package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-tempo/internal/types"
	"github.com/oszuidwest/zwfm-tempo/internal/util"
)

// ProcessSource captures audio from the stdout of an external process such as arecord or FFmpeg.
type ProcessSource struct {
	*ReaderSource

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *lockedBuffer

	waitOnce sync.Once
	waitErr  error
}

// StartProcess launches name with args and returns a Source reading its stdout.
// The process is stopped with a graceful signal when Close is called.
func StartProcess(name string, args ...string) (*ProcessSource, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, name, args...)

	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, util.WrapError("open capture stdout", err)
	}

	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, util.WrapError("start capture process", err)
	}

	slog.Info("capture process started", "command", name, "pid", cmd.Process.Pid)

	return &ProcessSource{
		ReaderSource: NewReaderSource(stdout),
		cmd:          cmd,
		cancel:       cancel,
		stderr:       stderr,
	}, nil
}

// WaitReady implements Source. The end of the process output is a device failure,
// reported with the last line the process wrote to stderr.
func (p *ProcessSource) WaitReady(ctx context.Context, timeout time.Duration) error {
	err := p.ReaderSource.WaitReady(ctx, timeout)
	if err == nil || errors.Is(err, ErrDeviceTimeout) || ctx.Err() != nil {
		return err
	}

	waitErr := p.wait()
	msg := util.ExtractLastError(p.stderr.String())
	switch {
	case msg != "":
		return fmt.Errorf("capture process exited: %s", msg)
	case waitErr != nil:
		return fmt.Errorf("capture process exited: %w", waitErr)
	case errors.Is(err, io.EOF):
		return errors.New("capture process closed its output")
	default:
		return err
	}
}

// Close stops the capture process and waits for it to exit.
func (p *ProcessSource) Close() error {
	_ = p.ReaderSource.Close()
	p.cancel()
	if err := p.wait(); err != nil && !isSignalExit(err) {
		return err
	}
	return nil
}

func (p *ProcessSource) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// isSignalExit reports whether err is the exit caused by our own stop signal.
func isSignalExit(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return !exitErr.Exited()
	}
	return errors.Is(err, context.Canceled)
}

// lockedBuffer is a bytes.Buffer safe for the exec copier and readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
