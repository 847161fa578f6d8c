package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/oshokin/drone-marker/internal/config"
	"github.com/oshokin/drone-marker/internal/decoder"
	"github.com/oshokin/drone-marker/internal/device/camera"
	"github.com/oshokin/drone-marker/internal/device/mavlink"
	"github.com/oshokin/drone-marker/internal/domain/frame"
	"github.com/oshokin/drone-marker/internal/domain/marker"
	"github.com/oshokin/drone-marker/internal/emitter"
	"github.com/oshokin/drone-marker/internal/hub"
	"github.com/oshokin/drone-marker/internal/logger"
	"github.com/oshokin/drone-marker/internal/repository/runlog"
	"github.com/oshokin/drone-marker/internal/sequencer"
)

// fakeSource yields scripted frames, then either fails with end or blocks
// until the run is cancelled.
type fakeSource struct {
	mu     sync.Mutex
	frames []*frame.Frame
	end    error
	closed atomic.Bool
}

func newFakeSource(count int, end error) *fakeSource {
	s := &fakeSource{end: end}
	for seq := uint64(1); seq <= uint64(count); seq++ {
		s.frames = append(s.frames, &frame.Frame{Seq: seq, CapturedAt: time.Now(), Data: []byte{0xFF, 0xD8, byte(seq)}})
	}

	return s
}

func (s *fakeSource) Next(ctx context.Context) (*frame.Frame, error) {
	s.mu.Lock()

	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()

		return f, nil
	}

	s.mu.Unlock()

	if s.end != nil {
		return nil, s.end
	}

	<-ctx.Done()

	return nil, ctx.Err()
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)

	return nil
}

// fakeDecoder maps frame seq to a payload; "" means no marker.
type fakeDecoder struct {
	payloads []string
	failAt   uint64
}

func (d *fakeDecoder) Decode(f *frame.Frame) (marker.Observation, error) {
	if d.failAt != 0 && f.Seq == d.failAt {
		return marker.Observation{}, &decoder.DecodeError{Seq: f.Seq, Err: errors.New("decoder crashed")}
	}

	idx := int(f.Seq) - 1
	if idx >= len(d.payloads) || d.payloads[idx] == "" {
		return marker.NoMarker(f.Seq), nil
	}

	return marker.Decoded(f.Seq, d.payloads[idx]), nil
}

type fakeServo struct {
	actuated atomic.Int32
	released atomic.Bool
}

func (s *fakeServo) Actuate(context.Context) error {
	s.actuated.Add(1)

	return nil
}

func (s *fakeServo) Release() error {
	s.released.Store(true)

	return nil
}

// fakeLink acknowledges RTL commands unless silent is set.
type fakeLink struct {
	silent bool
	sent   atomic.Int32
	closed atomic.Bool
}

func (l *fakeLink) DrainAcks() {}

func (l *fakeLink) SendCommand(context.Context, mavlink.CommandLong) error {
	l.sent.Add(1)

	return nil
}

func (l *fakeLink) WaitAck(_ context.Context, command uint16, _ time.Duration) (mavlink.CommandAck, error) {
	if l.silent {
		return mavlink.CommandAck{}, &mavlink.LinkError{Op: "ack", Err: mavlink.ErrAckTimeout}
	}

	return mavlink.CommandAck{Command: command, Result: mavlink.ResultAccepted}, nil
}

func (l *fakeLink) Close() error {
	l.closed.Store(true)

	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Hub.Buffer = 16
	cfg.Serial.AckTimeout = 10 * time.Millisecond
	cfg.Serial.Retries = 1
	cfg.Serial.RetryBackoff = time.Millisecond
	cfg.ShutdownTimeout = time.Second

	return cfg
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}

	return out
}

type harness struct {
	t       *testing.T
	ctrl    *Controller
	source  *fakeSource
	servo   *fakeServo
	link    *fakeLink
	logPath string
}

func newHarness(t *testing.T, source *fakeSource, dec *fakeDecoder, link *fakeLink, mutate func(*Deps)) *harness {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "run.log")

	repo, err := runlog.Open(logPath, "run-test")
	require.NoError(t, err)

	servo := new(fakeServo)
	deps := Deps{
		Source:  source,
		Decoder: dec,
		Servo:   servo,
		Link:    link,
		RunLog:  repo,
	}

	if mutate != nil {
		mutate(&deps)
	}

	ctrl, err := New(testConfig(), "run-test", deps)
	require.NoError(t, err)

	return &harness{t: t, ctrl: ctrl, source: source, servo: servo, link: link, logPath: logPath}
}

func (h *harness) run(ctx context.Context) error {
	done := make(chan error, 1)

	go func() { done <- h.ctrl.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		require.FailNow(h.t, "controller did not stop")

		return nil
	}
}

func (h *harness) entries() []runlog.Entry {
	entries, err := runlog.ReadAll(h.logPath)
	require.NoError(h.t, err)

	return entries
}

func kinds(entries []runlog.Entry, kind string) []runlog.Entry {
	var out []runlog.Entry

	for _, e := range entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}

	return out
}

// TestRun_TriggersAfterThreshold runs eight matching frames through the whole pipeline.
func TestRun_TriggersAfterThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSource(8, nil), &fakeDecoder{payloads: repeat("SCANNED", 8)}, new(fakeLink), nil)

	require.NoError(t, h.run(context.Background()))

	snap := h.ctrl.Store().Snapshot()
	require.Equal(t, "triggered", snap.State)
	require.True(t, snap.DetectionComplete)
	require.Equal(t, 8, snap.MarkerCount)
	require.Equal(t, uint64(8), snap.FramesCaptured)
	require.Equal(t, "SCANNED", snap.LastQRContent)
	require.NotNil(t, snap.Action)
	require.True(t, snap.Action.ServoOK)
	require.True(t, snap.Action.RTLSent)
	require.True(t, snap.Action.RTLAcked)
	require.Equal(t, uint64(8), snap.Action.TriggerSeq)

	require.Equal(t, int32(1), h.servo.actuated.Load())
	require.Equal(t, int32(1), h.link.sent.Load())
	require.True(t, h.source.closed.Load())
	require.True(t, h.servo.released.Load())
	require.True(t, h.link.closed.Load())

	entries := h.entries()
	require.Equal(t, "started", entries[0].Message)
	require.Len(t, kinds(entries, runlog.KindCounter), 8)
	require.Len(t, kinds(entries, runlog.KindAction), 1)
	require.Empty(t, kinds(entries, runlog.KindFatal))

	last := entries[len(entries)-1]
	require.Equal(t, "stopped", last.Message)
	require.Equal(t, reasonComplete, last.Fields["reason"])
	require.Equal(t, "triggered", last.Fields["state"])
	require.Equal(t, float64(8), last.Fields["marker_count"])
	require.Equal(t, float64(8), last.Fields["frames_captured"])
	require.NotContains(t, last.Fields, "action")
}

// TestRun_SubscribeFailureReleasesDevices covers a run that cannot register
// its consumers: devices are still released and the fatal entry written.
func TestRun_SubscribeFailureReleasesDevices(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSource(8, nil), &fakeDecoder{payloads: repeat("SCANNED", 8)}, new(fakeLink), nil)
	h.ctrl.hub.Close()

	err := h.run(context.Background())
	require.ErrorIs(t, err, hub.ErrClosed)

	require.True(t, h.source.closed.Load())
	require.True(t, h.servo.released.Load())
	require.True(t, h.link.closed.Load())
	require.Zero(t, h.servo.actuated.Load())
	require.Zero(t, h.link.sent.Load())

	entries := h.entries()
	require.Len(t, entries, 1)
	require.Equal(t, runlog.KindFatal, entries[0].Kind)
	require.Contains(t, entries[0].Message, "subscribe decoder")
	require.Equal(t, "faulted", entries[0].Fields["state"])
}

// TestRun_GapRestartsCount feeds 5 matches, one empty decode and 8 matches.
func TestRun_GapRestartsCount(t *testing.T) {
	t.Parallel()

	payloads := append(append(repeat("SCANNED", 5), ""), repeat("SCANNED", 8)...)

	h := newHarness(t, newFakeSource(len(payloads), nil), &fakeDecoder{payloads: payloads}, new(fakeLink), nil)

	require.NoError(t, h.run(context.Background()))

	snap := h.ctrl.Store().Snapshot()
	require.Equal(t, uint64(14), snap.Action.TriggerSeq)
	require.Equal(t, int32(1), h.servo.actuated.Load())

	resets := 0

	for _, e := range kinds(h.entries(), runlog.KindCounter) {
		if e.Fields["reset"] == true {
			resets++
		}
	}

	require.Equal(t, 1, resets)
}

// TestRun_DecoderFault verifies a decoder error faults the run without an action.
func TestRun_DecoderFault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSource(3, nil), &fakeDecoder{payloads: repeat("SCANNED", 3), failAt: 3}, new(fakeLink), nil)

	err := h.run(context.Background())

	var decodeErr *decoder.DecodeError
	require.ErrorAs(t, err, &decodeErr)

	snap := h.ctrl.Store().Snapshot()
	require.Equal(t, "faulted", snap.State)
	require.Nil(t, snap.Action)
	require.Zero(t, h.servo.actuated.Load())
	require.Zero(t, h.link.sent.Load())
	require.True(t, h.link.closed.Load())

	fatal := kinds(h.entries(), runlog.KindFatal)
	require.Len(t, fatal, 1)
	require.True(t, strings.HasPrefix(fatal[0].Message, "FATAL: "))
}

// TestRun_DeviceError verifies a camera failure aborts the run and releases devices.
func TestRun_DeviceError(t *testing.T) {
	t.Parallel()

	deviceErr := &camera.DeviceError{Op: "read", Err: camera.ErrNoData}
	h := newHarness(t, newFakeSource(2, deviceErr), &fakeDecoder{}, new(fakeLink), nil)

	err := h.run(context.Background())
	require.ErrorIs(t, err, camera.ErrNoData)

	var devErr *camera.DeviceError
	require.ErrorAs(t, err, &devErr)

	require.Equal(t, "faulted", h.ctrl.Store().Snapshot().State)
	require.True(t, h.source.closed.Load())
	require.True(t, h.link.closed.Load())
	require.Len(t, kinds(h.entries(), runlog.KindFatal), 1)
}

// TestRun_RTLNotSent verifies link exhaustion still completes shutdown with a fatal entry.
func TestRun_RTLNotSent(t *testing.T) {
	t.Parallel()

	link := &fakeLink{silent: true}
	h := newHarness(t, newFakeSource(8, nil), &fakeDecoder{payloads: repeat("SCANNED", 8)}, link, nil)

	err := h.run(context.Background())
	require.ErrorIs(t, err, sequencer.ErrRTLNotSent)

	snap := h.ctrl.Store().Snapshot()
	require.Equal(t, "triggered", snap.State)
	require.False(t, snap.Action.RTLSent)
	require.True(t, snap.Action.ServoOK)
	require.Equal(t, int32(2), link.sent.Load())
	require.True(t, link.closed.Load())
	require.True(t, h.source.closed.Load())

	entries := h.entries()
	require.Len(t, kinds(entries, runlog.KindAction), 1)
	require.Len(t, kinds(entries, runlog.KindFatal), 1)
	require.Equal(t, runlog.KindFatal, entries[len(entries)-1].Kind)
}

// TestRun_ConsoleAbortWithHTTP serves status over HTTP and stops on "q".
func TestRun_ConsoleAbortWithHTTP(t *testing.T) {
	t.Parallel()

	lc := net.ListenConfig{}

	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	consoleReader, consoleWriter := io.Pipe()
	t.Cleanup(func() { _ = consoleWriter.Close() })

	h := newHarness(t, newFakeSource(3, nil), &fakeDecoder{payloads: []string{"OTHER", "", "SCANNED"}}, new(fakeLink),
		func(d *Deps) {
			d.HTTPListener = listener
			d.Console = consoleReader
		})

	done := make(chan error, 1)

	go func() { done <- h.ctrl.Run(context.Background()) }()

	statusURL := "http://" + listener.Addr().String() + "/status"

	var body map[string]any

	require.Eventually(t, func() bool {
		resp, getErr := http.Get(statusURL) //nolint:noctx // Test helper.
		if getErr != nil {
			return false
		}

		defer resp.Body.Close()

		body = nil
		if json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}

		return body["frames_captured"] == float64(3) && body["marker_count"] == float64(1)
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, "run-test", body["run_id"])
	require.Equal(t, "confirming", body["state"])

	_, err = io.WriteString(consoleWriter, "q\n")
	require.NoError(t, err)

	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "controller did not stop")
	}

	require.Zero(t, h.servo.actuated.Load())
	require.True(t, h.source.closed.Load())

	entries := h.entries()
	require.Equal(t, reasonOperator, entries[len(entries)-1].Fields["reason"])
}

// TestRun_ContextCancel verifies a signal stops the run cleanly.
func TestRun_ContextCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSource(0, nil), &fakeDecoder{}, new(fakeLink), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	require.NoError(t, h.run(ctx))
	require.True(t, h.link.closed.Load())

	entries := h.entries()
	require.Equal(t, reasonSignal, entries[len(entries)-1].Fields["reason"])
}

// recordingPublisher keeps the topics of published events.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string, _ byte, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.topics = append(p.topics, topic)

	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.topics...)
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writes.
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

// TestRun_StatsLine verifies the periodic stats line carries the run id and
// the emitter counters.
func TestRun_StatsLine(t *testing.T) {
	t.Parallel()

	pub := new(recordingPublisher)
	h := newHarness(t, newFakeSource(0, nil), &fakeDecoder{}, new(fakeLink), func(d *Deps) {
		d.Emitter = emitter.New(pub, emitter.Options{Topic: "drone", Encoding: emitter.EncodingJSON, RunID: "run-test"})
	})
	h.ctrl.cfg.Log.StatsInterval = 5 * time.Millisecond

	out := new(lockedBuffer)
	base := logger.NewWithSink(zapcore.InfoLevel, zapcore.AddSync(out))

	ctx, cancel := context.WithCancel(logger.ToContext(context.Background(), base))
	time.AfterFunc(100*time.Millisecond, cancel)

	require.NoError(t, h.run(ctx))

	logs := out.String()
	require.Contains(t, logs, "controller, Pipeline stats")
	require.Contains(t, logs, `"run_id": "run-test"`)
	require.Contains(t, logs, `"events": 1`)
	require.Contains(t, logs, `"event_errors": 0`)

	require.Equal(t, []string{"drone/started", "drone/stopped"}, pub.published())
}

// TestNew_Validation verifies required collaborators and marker settings.
func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(testConfig(), "run", Deps{})
	require.ErrorIs(t, err, errMissingCollaborator)

	cfg := testConfig()
	cfg.Marker.Threshold = 0

	_, err = New(cfg, "run", Deps{Source: newFakeSource(0, nil), Decoder: new(fakeDecoder)})
	require.ErrorIs(t, err, marker.ErrInvalidThreshold)
}

// TestIsAbort covers the console abort commands.
func TestIsAbort(t *testing.T) {
	t.Parallel()

	require.True(t, isAbort("q"))
	require.True(t, isAbort(" Q \r"))
	require.True(t, isAbort("\x1b"))
	require.False(t, isAbort("quit"))
	require.False(t, isAbort(""))
}
