package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oshokin/drone-marker/internal/logger"
)

// stderrTailSize is how much ffmpeg stderr is kept for error reports.
const stderrTailSize = 2048

// Open starts ffmpeg on the configured device and returns a frame stream.
// Failure to find ffmpeg or the device is reported as a DeviceError.
func Open(ctx context.Context, opts Options) (*Stream, error) {
	ctx = logger.WithName(ctx, "camera")

	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}

	ffmpegPath, err := exec.LookPath(opts.FFmpegPath)
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("locate ffmpeg: %w", err)}
	}

	if strings.HasPrefix(opts.Device, "/dev/") {
		if _, err = os.Stat(opts.Device); err != nil {
			return nil, &DeviceError{Op: "open", Err: err}
		}
	}

	args := FFmpegArgs(opts)

	// The process must outlive the caller's context: it is stopped by Close.
	cmd := exec.Command(ffmpegPath, args...) //nolint:gosec // Arguments come from validated configuration.

	tail := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	if err = cmd.Start(); err != nil {
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("start ffmpeg: %w", err)}
	}

	logger.InfoKV(ctx, "Camera capture started",
		"device", opts.Device,
		"size", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"fps", opts.FPS,
		"format", opts.InputFormat,
		"pid", cmd.Process.Pid)

	stream := NewStream(&processOutput{ReadCloser: stdout, stderr: tail}, opts)
	stream.closer = func() error {
		return stopProcess(cmd)
	}

	return stream, nil
}

// FFmpegArgs builds the capture command line for opts.
func FFmpegArgs(opts Options) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-thread_queue_size", "512", "-probesize", "32", "-analyzeduration", "0",
		"-f", "v4l2",
	}

	if opts.InputFormat != "" {
		args = append(args, "-input_format", opts.InputFormat)
	}

	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", opts.Width, opts.Height))
	}

	if opts.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(opts.FPS))
	}

	return append(args,
		"-i", opts.Device,
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
}

// stopProcess interrupts ffmpeg, then kills it if it does not exit promptly,
// and always reaps it.
func stopProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case err := <-waitErr:
		return ignoreExit(err)
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()

		return ignoreExit(<-waitErr)
	}
}

// ignoreExit drops the exit status of a process we stopped ourselves.
func ignoreExit(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}

	return err
}

// processOutput is ffmpeg stdout with access to its recent stderr.
type processOutput struct {
	io.ReadCloser

	stderr *tailBuffer
}

// Diagnostics returns the last lines ffmpeg wrote to stderr.
func (p *processOutput) Diagnostics() string {
	return strings.TrimSpace(p.stderr.String())
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}

	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return string(t.buf)
}
