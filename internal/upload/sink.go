package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oshokin/drone-marker/internal/domain/frame"
	"github.com/oshokin/drone-marker/internal/logger"
	"github.com/oshokin/drone-marker/internal/version"
)

const (
	// framePath is the ground-station endpoint receiving frames.
	framePath = "/api/stream/frame"
	// warnEvery limits failure warnings to the first and every n-th error.
	warnEvery = 100
)

// UploadError reports a failed upload. It is always non-fatal.
type UploadError struct {
	// StatusCode is the HTTP status, zero when no response was received.
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload frame: unexpected status %d", e.StatusCode)
	}

	return fmt.Sprintf("upload frame: %v", e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// errUnexpectedStatus is wrapped in UploadError for non-200 responses.
var errUnexpectedStatus = errors.New("unexpected status")

// Frames is a source of delivered frames, such as a hub subscription.
type Frames interface {
	Next(ctx context.Context) (*frame.Frame, error)
}

// Counters receives upload outcomes.
type Counters interface {
	CountUploaded()
	CountError()
}

// Options configure the sink.
type Options struct {
	// URL is the ground-station base URL.
	URL string
	// SessionID identifies this run to the ground station.
	SessionID string
	Timeout   time.Duration
	// SkipFrames uploads every (SkipFrames+1)-th delivered frame.
	SkipFrames int
	// JPEGQuality re-encodes frames when between 1 and 100.
	JPEGQuality int
	// Client overrides the HTTP client.
	Client *http.Client
}

// Sink posts frames to the ground station.
type Sink struct {
	opts     Options
	endpoint string
	client   *http.Client

	delivered atomic.Uint64
	uploaded  atomic.Uint64
	failed    atomic.Uint64
}

// New validates the URL and creates a sink.
func New(opts Options) (*Sink, error) {
	base, err := url.ParseRequestURI(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upload url: %w", err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	if opts.SkipFrames < 0 {
		opts.SkipFrames = 0
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &Sink{
		opts:     opts,
		endpoint: strings.TrimRight(base.String(), "/") + framePath,
		client:   client,
	}, nil
}

// Endpoint returns the full upload URL.
func (s *Sink) Endpoint() string {
	return s.endpoint
}

// Run uploads frames until ctx is done or the source closes. It never returns
// an upload failure; those go to counters.
func (s *Sink) Run(ctx context.Context, frames Frames, counters Counters) error {
	ctx = logger.WithName(ctx, "upload")

	logger.InfoKV(ctx, "Upload sink started", "endpoint", s.endpoint, "skip_frames", s.opts.SkipFrames)

	for {
		f, err := frames.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		if !s.due() {
			continue
		}

		if err = s.Send(ctx, f); err != nil {
			counters.CountError()

			if n := s.failed.Load(); n%warnEvery == 1 {
				logger.WarnKV(ctx, "Ground station upload failed", "errors", n, "error", err)
			}

			continue
		}

		counters.CountUploaded()
	}
}

// due applies frame skipping.
func (s *Sink) due() bool {
	n := s.delivered.Add(1)

	return (n-1)%uint64(s.opts.SkipFrames+1) == 0
}

// Send posts one frame. A non-200 response or a transport failure is an UploadError.
func (s *Sink) Send(ctx context.Context, f *frame.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	body, contentType, err := s.encode(f)
	if err != nil {
		s.failed.Add(1)

		return &UploadError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		s.failed.Add(1)

		return &UploadError{Err: err}
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		s.failed.Add(1)

		return &UploadError{Err: err}
	}

	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		s.failed.Add(1)

		return &UploadError{StatusCode: resp.StatusCode, Err: errUnexpectedStatus}
	}

	s.uploaded.Add(1)

	return nil
}

// Stats returns uploaded and failed counts.
func (s *Sink) Stats() (uploaded, failed uint64) {
	return s.uploaded.Load(), s.failed.Load()
}

func (s *Sink) encode(f *frame.Frame) (io.Reader, string, error) {
	data, err := s.jpegData(f)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"session_id", s.opts.SessionID},
		{"frame_num", strconv.FormatUint(f.Seq, 10)},
		{"timestamp", strconv.FormatFloat(float64(f.CapturedAt.UnixNano())/float64(time.Second), 'f', 6, 64)},
	}

	for _, field := range fields {
		if err = mw.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", field[0], err)
		}
	}

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="frame"; filename="frame.jpg"`},
		"Content-Type":        {"image/jpeg"},
	})
	if err != nil {
		return nil, "", fmt.Errorf("create frame part: %w", err)
	}

	if _, err = part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write frame part: %w", err)
	}

	if err = mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}

	return &buf, mw.FormDataContentType(), nil
}

// jpegData returns the frame bytes, re-encoded when a quality is configured.
func (s *Sink) jpegData(f *frame.Frame) ([]byte, error) {
	if s.opts.JPEGQuality <= 0 || s.opts.JPEGQuality > 100 {
		return f.Data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("decode frame for re-encoding: %w", err)
	}

	var buf bytes.Buffer
	if err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.opts.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("re-encode frame: %w", err)
	}

	return buf.Bytes(), nil
}
