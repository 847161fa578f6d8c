package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/drone-marker/internal/api/grpc/telemetry"
	"github.com/oshokin/drone-marker/internal/api/http/feed"
	"github.com/oshokin/drone-marker/internal/config"
	"github.com/oshokin/drone-marker/internal/domain/action"
	"github.com/oshokin/drone-marker/internal/domain/frame"
	"github.com/oshokin/drone-marker/internal/domain/marker"
	"github.com/oshokin/drone-marker/internal/emitter"
	"github.com/oshokin/drone-marker/internal/hub"
	"github.com/oshokin/drone-marker/internal/logger"
	"github.com/oshokin/drone-marker/internal/repository/runlog"
	"github.com/oshokin/drone-marker/internal/sequencer"
	"github.com/oshokin/drone-marker/internal/status"
	"github.com/oshokin/drone-marker/internal/upload"
)

// Consumer names registered on the hub.
const (
	consumerDecoder = "decoder"
	consumerStream  = "stream"
	consumerUpload  = "upload"
)

// Stop reasons recorded in the final run log entry.
const (
	reasonComplete = "action sequence complete"
	reasonOperator = "aborted by operator"
	reasonSignal   = "interrupted"
)

// FrameSource produces camera frames.
type FrameSource interface {
	Next(ctx context.Context) (*frame.Frame, error)
	Close() error
}

// Decoder turns a frame into a marker observation.
type Decoder interface {
	Decode(f *frame.Frame) (marker.Observation, error)
}

// Actuator is the servo owned by the sequencer.
type Actuator interface {
	sequencer.Actuator
	Release() error
}

// Link is the flight-controller link owned by the sequencer.
type Link interface {
	sequencer.Link
	Close() error
}

// Deps are the collaborators of a run. Optional ones may be nil.
type Deps struct {
	Source  FrameSource
	Decoder Decoder
	// Servo is nil when the actuator is disabled or failed to open.
	Servo Actuator
	Link  Link
	// RunLog receives lifecycle, counter and action entries.
	RunLog runlog.Repository
	// Emitter publishes lifecycle events; nil disables it.
	Emitter *emitter.Emitter
	// Upload forwards frames to the ground station; nil disables it.
	Upload *upload.Sink
	// HTTPListener serves the status and streaming endpoints; nil disables them.
	HTTPListener net.Listener
	// GRPCListener serves the control plane; nil disables it.
	GRPCListener net.Listener
	// Console is read for abort commands; nil when headless.
	Console io.Reader
	// StartFields are added to the "started" run log entry.
	StartFields map[string]any
}

// Controller wires the pipeline for a single run.
type Controller struct {
	cfg   *config.Config
	runID string
	deps  Deps

	hub     *hub.Hub
	machine *marker.Machine
	store   *status.Store

	cancel context.CancelFunc

	// reasonOnce keeps the first stop reason.
	reasonOnce sync.Once
	reason     string
}

// New validates the configuration and creates a controller.
func New(cfg *config.Config, runID string, deps Deps) (*Controller, error) {
	if deps.Source == nil || deps.Decoder == nil {
		return nil, errMissingCollaborator
	}

	machine, err := marker.NewMachine(cfg.Marker.TargetText, cfg.Marker.Threshold)
	if err != nil {
		return nil, fmt.Errorf("create confirmation state machine: %w", err)
	}

	return &Controller{
		cfg:     cfg,
		runID:   runID,
		deps:    deps,
		hub:     hub.New(cfg.Hub.Buffer),
		machine: machine,
		store:   status.NewStore(runID, cfg.Marker.Threshold, marker.Idle.String()),
	}, nil
}

// errMissingCollaborator is returned when the frame source or decoder is nil.
var errMissingCollaborator = errors.New("frame source and decoder are required")

// Store returns the status store of the run.
func (c *Controller) Store() *status.Store {
	return c.store
}

// Run executes the pipeline until it finishes. It returns nil for a completed
// action sequence, an operator abort or a cancelled ctx, and the fatal error
// otherwise. Devices are released and the final run log entry is written
// before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	ctx = logger.WithFields(logger.WithName(ctx, "controller"), zap.String("run_id", c.runID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.cancel = cancel

	subs, err := c.subscribe()
	if err != nil {
		c.hub.Close()
		c.release(ctx)

		return c.finish(ctx, err)
	}

	seq := sequencer.New(c.servo(), c.link(), func() { c.stop(reasonComplete) }, sequencer.Options{
		RequireAck:   c.cfg.Serial.RequireAck,
		AckTimeout:   c.cfg.Serial.AckTimeout,
		Retries:      c.cfg.Serial.Retries,
		RetryBackoff: c.cfg.Serial.RetryBackoff,
	})

	c.started(ctx)

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return c.capture(gctx) })
	g.Go(func() error { return c.confirm(gctx, subs[consumerDecoder], seq) })
	g.Go(func() error { return c.stream(gctx, subs[consumerStream]) })
	g.Go(func() error { return c.stats(gctx) })

	if sub, ok := subs[consumerUpload]; ok {
		g.Go(func() error { return c.upload(gctx, sub) })
	}

	if c.deps.HTTPListener != nil {
		g.Go(func() error { return c.serveHTTP(gctx) })
	}

	if c.deps.GRPCListener != nil {
		g.Go(func() error { return c.serveGRPC(gctx) })
	}

	if c.deps.Console != nil {
		g.Go(func() error { return c.console(gctx) })
	}

	runErr := g.Wait()

	if runErr == nil && ctx.Err() != nil {
		c.setReason(reasonSignal)
	}

	c.hub.Close()
	c.release(ctx)

	return c.finish(ctx, runErr)
}

func (c *Controller) subscribe() (map[string]*hub.Subscription, error) {
	names := []string{consumerDecoder, consumerStream}
	if c.deps.Upload != nil {
		names = append(names, consumerUpload)
	}

	subs := make(map[string]*hub.Subscription, len(names))

	for _, name := range names {
		sub, err := c.hub.Subscribe(name)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}

		subs[name] = sub
	}

	return subs, nil
}

// servo returns the actuator as the sequencer sees it, keeping a nil
// interface nil.
func (c *Controller) servo() sequencer.Actuator {
	if c.deps.Servo == nil {
		return nil
	}

	return c.deps.Servo
}

func (c *Controller) link() sequencer.Link {
	if c.deps.Link == nil {
		return nil
	}

	return c.deps.Link
}

// capture moves frames from the source into the hub. A device error ends the run.
func (c *Controller) capture(ctx context.Context) error {
	ctx = logger.WithName(ctx, "capture")

	for {
		f, err := c.deps.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			logger.ErrorKV(ctx, "Frame source failed", "error", err)

			return fmt.Errorf("capture: %w", err)
		}

		if err = c.hub.Publish(f); err != nil {
			if errors.Is(err, hub.ErrClosed) {
				return nil
			}

			logger.WarnKV(ctx, "Frame rejected by hub", "seq", f.Seq, "error", err)

			continue
		}

		c.store.Update(func(snap *status.Snapshot) {
			snap.FramesCaptured++
			snap.LastFrameSeq = f.Seq
		})
	}
}

// confirm is the only goroutine touching the state machine and the sequencer,
// so observations are applied in frame order.
func (c *Controller) confirm(ctx context.Context, sub *hub.Subscription, seq *sequencer.Sequencer) error {
	ctx = logger.WithName(ctx, "confirm")

	for {
		f, err := sub.Next(ctx)
		if err != nil {
			return nil //nolint:nilerr // Next fails only on cancellation or hub close.
		}

		obs, err := c.deps.Decoder.Decode(f)
		if err != nil {
			transition := c.machine.Fault(err)
			c.observed(ctx, marker.Observation{Seq: f.Seq}, transition)

			logger.ErrorKV(ctx, "Marker decoder failed", "seq", f.Seq, "error", err)

			return fmt.Errorf("decode frame %d: %w", f.Seq, err)
		}

		transition, err := c.machine.Observe(obs)
		if err != nil {
			logger.WarnKV(ctx, "Observation ignored", "seq", obs.Seq, "error", err)

			continue
		}

		c.observed(ctx, obs, transition)

		if transition.Fired {
			return c.trigger(ctx, seq, transition.Seq)
		}
	}
}

// observed records a transition in the run log before publishing it to the
// status store, so every counter visible over HTTP has a log entry.
func (c *Controller) observed(ctx context.Context, obs marker.Observation, transition marker.Transition) {
	state := c.machine.State()

	if transition.Changed() {
		fields := map[string]any{
			"seq":     transition.Seq,
			"from":    transition.From.String(),
			"to":      transition.To.String(),
			"counter": transition.Counter,
			"reset":   transition.Reset,
		}

		c.record(ctx, runlog.Entry{Kind: runlog.KindCounter, Message: "confirmation counter changed", Fields: fields})

		logger.InfoKV(ctx, "Confirmation counter changed",
			"seq", transition.Seq,
			"counter", transition.Counter,
			"threshold", state.Threshold,
			"status", transition.To.String())

		if transition.From == marker.Idle && transition.To == marker.Confirming {
			c.emit(ctx, emitter.EventConfirming, fields)
		}
	}

	c.store.Update(func(snap *status.Snapshot) {
		snap.MarkerCount = transition.Counter
		snap.State = transition.To.String()
		snap.DetectionComplete = transition.To == marker.Triggered

		if obs.Found && state.LastPayload != "" {
			snap.LastQRContent = state.LastPayload
		}
	})
}

// trigger runs the action sequence once and publishes its result.
func (c *Controller) trigger(ctx context.Context, seq *sequencer.Sequencer, triggerSeq uint64) error {
	c.record(ctx, runlog.Entry{
		Kind:    runlog.KindLifecycle,
		Message: "marker confirmed",
		Fields:  map[string]any{"seq": triggerSeq, "target_text": c.cfg.Marker.TargetText},
	})
	c.emit(ctx, emitter.EventTriggered, map[string]any{"trigger_seq": triggerSeq})

	result, err := seq.Execute(ctx, triggerSeq)
	if result != nil {
		c.actionDone(ctx, result)
	}

	if err != nil {
		return fmt.Errorf("action sequence: %w", err)
	}

	return nil
}

func (c *Controller) actionDone(ctx context.Context, result *action.Result) {
	fields := result.Fields()

	c.record(ctx, runlog.Entry{Kind: runlog.KindAction, Message: "action result", Fields: fields})
	c.emit(ctx, emitter.EventActionResult, fields)

	c.store.Update(func(snap *status.Snapshot) {
		snap.Action = result.Clone()
	})
}

// stream feeds the latest frame to the status store for the MJPEG endpoint.
func (c *Controller) stream(ctx context.Context, sub *hub.Subscription) error {
	for {
		f, err := sub.Next(ctx)
		if err != nil {
			return nil //nolint:nilerr // Next fails only on cancellation or hub close.
		}

		c.store.PublishFrame(f.Seq, f.Data)
	}
}

func (c *Controller) upload(ctx context.Context, sub *hub.Subscription) error {
	if err := c.deps.Upload.Run(ctx, sub, c.store); err != nil && !errors.Is(err, hub.ErrClosed) {
		logger.WarnKV(ctx, "Upload sink stopped", "error", err)
	}

	return nil
}

func (c *Controller) serveHTTP(ctx context.Context) error {
	server := feed.NewServer(c.store, feed.Options{
		StreamFPS:       c.cfg.HTTP.StreamFPS,
		ShutdownTimeout: c.cfg.ShutdownTimeout,
	})

	if err := server.Serve(ctx, c.deps.HTTPListener); err != nil {
		c.store.CountError()
		logger.ErrorKV(ctx, "Status server failed", "error", err)
	}

	return nil
}

func (c *Controller) serveGRPC(ctx context.Context) error {
	if err := telemetry.Serve(ctx, c.deps.GRPCListener, c.store); err != nil {
		c.store.CountError()
		logger.ErrorKV(ctx, "gRPC server failed", "error", err)
	}

	return nil
}

// stats logs a periodic summary of the run.
func (c *Controller) stats(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Log.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := c.store.Snapshot()
			hubStats := c.hub.Stats()

			var dropped uint64
			for _, consumer := range hubStats.Consumers {
				dropped += consumer.Dropped
			}

			events := c.deps.Emitter.Stats()

			var published uint64
			for _, n := range events.Published {
				published += n
			}

			logger.InfoKV(ctx, "Pipeline stats",
				"counter", fmt.Sprintf("%d/%d", snap.MarkerCount, snap.TargetFrames),
				"state", snap.State,
				"captured", snap.FramesCaptured,
				"forwarded", snap.FramesForwarded,
				"uploaded", snap.FramesUploaded,
				"dropped", dropped,
				"events", published,
				"event_errors", events.Errors,
				"errors", snap.ErrorCount)
		}
	}
}

// stop records the reason and cancels the run.
func (c *Controller) stop(reason string) {
	c.setReason(reason)
	c.cancel()
}

func (c *Controller) setReason(reason string) {
	c.reasonOnce.Do(func() { c.reason = reason })
}
