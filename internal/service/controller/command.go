package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/drone-marker/internal/config"
	"github.com/oshokin/drone-marker/internal/decoder"
	"github.com/oshokin/drone-marker/internal/device/camera"
	"github.com/oshokin/drone-marker/internal/device/mavlink"
	"github.com/oshokin/drone-marker/internal/device/servo"
	"github.com/oshokin/drone-marker/internal/emitter"
	"github.com/oshokin/drone-marker/internal/logger"
	"github.com/oshokin/drone-marker/internal/repository/runlog"
	"github.com/oshokin/drone-marker/internal/service/common"
	"github.com/oshokin/drone-marker/internal/upload"
)

// Options control the run command.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string
	// Headless overrides the config value when set.
	Headless *bool
	// LogLevel overrides the config value when not empty.
	LogLevel string
	// Console is read for abort commands when not headless, stdin when nil.
	Console io.Reader
}

// startup collects resources opened before the pipeline starts so a failed
// startup can release them in reverse order.
type startup struct {
	closers []func() error
}

func (s *startup) add(closer func() error) {
	s.closers = append(s.closers, closer)
}

func (s *startup) rollback(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.WarnKV(ctx, "Unable to release resource after failed startup", "error", err)
		}
	}
}

// Run loads configuration, opens every device and runs the pipeline until it finishes.
//
//nolint:funlen // Startup wiring is linear and reads best in one place.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "drone-marker")

	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if opts.Headless != nil {
		cfg.Headless = *opts.Headless
	}

	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	if err = logger.Configure(cfg.Log.Level); err != nil {
		return err
	}

	if cfg.SingleInstance {
		if err = common.EnsureSingleInstance(); err != nil {
			return err
		}
	}

	runID := uuid.NewString()
	ctx = logger.WithKV(ctx, "run_id", runID)

	repo, err := runlog.Open(cfg.Log.RunLog, runID)
	if err != nil {
		return err
	}

	var (
		res  startup
		deps = Deps{RunLog: repo, StartFields: map[string]any{}}
	)

	res.add(repo.Close)

	// fail writes a fatal entry for a startup error and releases what was opened.
	fail := func(err error) error {
		logger.ErrorKV(ctx, "FATAL: startup failed", "error", err)

		_ = repo.Append(ctx, runlog.Entry{Kind: runlog.KindFatal, Message: err.Error()})

		res.rollback(ctx)

		return err
	}

	if host, hostErr := common.DetectHost(); hostErr == nil {
		deps.StartFields = host.Fields()
	} else {
		logger.WarnKV(ctx, "Unable to detect host", "error", hostErr)
	}

	link, err := openLink(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	deps.Link = link
	res.add(link.Close)

	if cfg.Servo.Enabled {
		actuator, servoErr := servo.Open(ctx, servo.Options{
			Pin:         cfg.Servo.Pin,
			FrequencyHz: cfg.Servo.FrequencyHz,
			NeutralDuty: cfg.Servo.NeutralDuty,
			TriggerDuty: cfg.Servo.TriggerDuty,
			TriggerHold: cfg.Servo.TriggerHold,
			NeutralHold: cfg.Servo.NeutralHold,
		})
		if servoErr != nil {
			logger.ErrorKV(ctx, "Servo unavailable, continuing without actuation", "error", servoErr)
		} else {
			deps.Servo = actuator
			res.add(actuator.Release)
		}
	}

	stream, err := camera.Open(ctx, camera.Options{
		Device:      cfg.Camera.DevicePath(),
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		FPS:         cfg.Camera.FPS,
		InputFormat: cfg.Camera.InputFormat,
		ReadTimeout: cfg.Camera.ReadTimeout,
		FFmpegPath:  cfg.Camera.FFmpegPath,
	})
	if err != nil {
		return fail(err)
	}

	deps.Source = stream
	res.add(stream.Close)
	deps.Decoder = decoder.New(true)

	lc := net.ListenConfig{}

	deps.HTTPListener, err = lc.Listen(ctx, "tcp", cfg.HTTPAddress())
	if err != nil {
		return fail(fmt.Errorf("listen on %s: %w", cfg.HTTPAddress(), err))
	}

	res.add(deps.HTTPListener.Close)

	if cfg.GRPC.Address != "" {
		deps.GRPCListener, err = lc.Listen(ctx, "tcp", cfg.GRPC.Address)
		if err != nil {
			return fail(fmt.Errorf("listen on %s: %w", cfg.GRPC.Address, err))
		}

		res.add(deps.GRPCListener.Close)
	}

	if cfg.Upload.Enabled {
		deps.Upload, err = upload.New(upload.Options{
			URL:         cfg.Upload.URL,
			SessionID:   runID,
			Timeout:     cfg.Upload.Timeout,
			SkipFrames:  cfg.Upload.SkipFrames,
			JPEGQuality: cfg.Upload.JPEGQuality,
		})
		if err != nil {
			return fail(err)
		}
	}

	if !cfg.Headless {
		deps.Console = opts.Console
		if deps.Console == nil {
			deps.Console = os.Stdin
		}
	}

	ctrl, err := New(cfg, runID, deps)
	if err != nil {
		return fail(err)
	}

	// The emitter counts publish failures into the status store, which only
	// exists once the controller does.
	if cfg.MQTT.Broker != "" {
		ctrl.deps.Emitter = connectEmitter(ctx, cfg, runID, ctrl.store.CountError)
	}

	return ctrl.Run(ctx)
}

// openLink dials the flight controller and waits for its heartbeat.
// A missing heartbeat is not fatal: the RTL is still attempted with the
// configured or default target.
func openLink(ctx context.Context, cfg *config.Config) (*mavlink.Link, error) {
	link, err := mavlink.Dial(ctx, mavlink.Options{
		Port:     cfg.Serial.Port,
		BaudRate: cfg.Serial.BaudRate,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Serial.TargetSystem != 0 || cfg.Serial.TargetComponent != 0 {
		link.SetTarget(cfg.Serial.TargetSystem, cfg.Serial.TargetComponent)
	}

	if cfg.Serial.HeartbeatTimeout <= 0 {
		return link, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Serial.HeartbeatTimeout)
	defer cancel()

	heartbeat, err := link.WaitHeartbeat(waitCtx)

	switch {
	case err == nil:
		system, component := link.Target()
		logger.InfoKV(ctx, "Flight controller heartbeat received",
			"target_system", system,
			"target_component", component,
			"autopilot", heartbeat.Autopilot)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mavlink.ErrNoHeartbeat):
		system, component := link.Target()
		logger.WarnKV(ctx, "No flight controller heartbeat, using fallback target",
			"timeout", cfg.Serial.HeartbeatTimeout,
			"target_system", system,
			"target_component", component)
	default:
		_ = link.Close()

		return nil, err
	}

	return link, nil
}

func connectEmitter(ctx context.Context, cfg *config.Config, runID string, onError func()) *emitter.Emitter {
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "drone-marker-" + runID
	}

	e, err := emitter.Connect(ctx, emitter.Options{
		Broker:         cfg.MQTT.Broker,
		ClientID:       clientID,
		Topic:          cfg.MQTT.Topic,
		Encoding:       cfg.MQTT.Encoding,
		RunID:          runID,
		ConnectTimeout: config.DefaultTimeout,
		PublishTimeout: 2 * time.Second,
		OnError:        onError,
	})
	if err != nil {
		logger.WarnKV(ctx, "MQTT broker unavailable, events disabled", "broker", cfg.MQTT.Broker, "error", err)

		return nil
	}

	return e
}
