package camera

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/oshokin/drone-marker/internal/domain/frame"
)

// Options configure a Stream.
type Options struct {
	// Device is the V4L2 device path.
	Device string
	Width  int
	Height int
	FPS    int
	// InputFormat is the V4L2 pixel format requested from the device; empty lets ffmpeg choose.
	InputFormat string
	// ReadTimeout is the longest wait for one frame before the device is declared failed.
	ReadTimeout time.Duration
	// FFmpegPath is the ffmpeg executable.
	FFmpegPath string
	// MaxFrameSize bounds a single JPEG; zero selects the default.
	MaxFrameSize int
}

type readResult struct {
	data []byte
	err  error
}

// Stream produces frames from an MJPEG byte stream.
// Next must be called from a single goroutine. Close may be called from any goroutine.
type Stream struct {
	opts Options

	src     io.ReadCloser
	results chan readResult
	done    chan struct{}
	wg      sync.WaitGroup

	// closer releases resources beyond src, such as the ffmpeg process.
	closer    func() error
	closeOnce sync.Once
	closeErr  error

	seq    uint64
	failed error
}

// NewStream starts reading JPEG frames from src. The stream owns src and
// closes it on Close.
func NewStream(src io.ReadCloser, opts Options) *Stream {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}

	s := &Stream{
		opts:    opts,
		src:     src,
		results: make(chan readResult, 1),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)

	go s.readLoop()

	return s
}

func (s *Stream) readLoop() {
	defer s.wg.Done()

	splitter := NewSplitter(s.src, s.opts.MaxFrameSize)

	for {
		data, err := splitter.Next()

		select {
		case s.results <- readResult{data: data, err: err}:
		case <-s.done:
			return
		}

		if err != nil {
			return
		}
	}
}

// Next blocks until the next frame is read. A read error or a gap longer than
// ReadTimeout returns a DeviceError, after which the stream stays failed.
func (s *Stream) Next(ctx context.Context) (*frame.Frame, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}

	if s.failed != nil {
		return nil, s.failed
	}

	timer := time.NewTimer(s.opts.ReadTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	case <-timer.C:
		s.failed = &DeviceError{Op: "read", Err: ErrNoData}

		return nil, s.failed
	case res := <-s.results:
		if res.err != nil {
			s.failed = &DeviceError{Op: "read", Err: s.describe(res.err)}

			return nil, s.failed
		}

		s.seq++

		return &frame.Frame{
			Seq:        s.seq,
			CapturedAt: time.Now(),
			Data:       res.data,
			Width:      s.opts.Width,
			Height:     s.opts.Height,
		}, nil
	}
}

// describe enriches a read error with whatever the subprocess reported.
func (s *Stream) describe(err error) error {
	if d, ok := s.src.(interface{ Diagnostics() string }); ok {
		if msg := d.Diagnostics(); msg != "" {
			return errors.Join(err, errors.New(msg))
		}
	}

	return err
}

// Close stops reading and releases the device. It is idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.closeErr = s.src.Close()
		s.wg.Wait()

		if s.closer != nil {
			s.closeErr = errors.Join(s.closeErr, s.closer())
		}
	})

	return s.closeErr
}
