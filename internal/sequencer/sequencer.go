package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oshokin/drone-marker/internal/device/mavlink"
	"github.com/oshokin/drone-marker/internal/domain/action"
	"github.com/oshokin/drone-marker/internal/logger"
)

var (
	// ErrRTLNotSent is returned when every return-to-launch attempt failed.
	ErrRTLNotSent = errors.New("return-to-launch not sent")
	// ErrAlreadyExecuted is returned by a second Execute call.
	ErrAlreadyExecuted = errors.New("action sequence already executed")
	// errServoDisabled is recorded when no actuator is configured.
	errServoDisabled = errors.New("servo disabled")
	// errNoLink is returned when no flight-controller link is configured.
	errNoLink = errors.New("flight-controller link not configured")
)

// Actuator is the servo routine.
type Actuator interface {
	Actuate(ctx context.Context) error
}

// Link is the part of the flight-controller link the sequencer drives.
type Link interface {
	DrainAcks()
	SendCommand(ctx context.Context, cmd mavlink.CommandLong) error
	WaitAck(ctx context.Context, command uint16, timeout time.Duration) (mavlink.CommandAck, error)
}

// Options configure the RTL step.
type Options struct {
	// RequireAck makes an unacknowledged command count as a failed attempt.
	RequireAck bool
	AckTimeout time.Duration
	// Retries is the number of attempts after the first one.
	Retries int
	// RetryBackoff is the initial backoff interval.
	RetryBackoff time.Duration
}

// Sequencer owns the servo and the flight-controller link once triggered.
type Sequencer struct {
	servo    Actuator
	link     Link
	shutdown func()
	opts     Options

	executed atomic.Bool
}

// New creates a sequencer. servo may be nil when the actuator is disabled or
// failed to open. shutdown is called exactly once at the end of Execute.
func New(servo Actuator, link Link, shutdown func(), opts Options) *Sequencer {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = time.Second
	}

	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}

	if opts.Retries < 0 {
		opts.Retries = 0
	}

	if shutdown == nil {
		shutdown = func() {}
	}

	return &Sequencer{
		servo:    servo,
		link:     link,
		shutdown: shutdown,
		opts:     opts,
	}
}

// Execute runs the sequence for the frame that completed confirmation. It runs
// at most once; the returned result is complete even when an error is returned.
func (s *Sequencer) Execute(ctx context.Context, triggerSeq uint64) (*action.Result, error) {
	if s.executed.Swap(true) {
		return nil, ErrAlreadyExecuted
	}

	return s.execute(ctx, triggerSeq)
}

func (s *Sequencer) execute(ctx context.Context, triggerSeq uint64) (*action.Result, error) {
	ctx = logger.WithName(ctx, "sequencer")

	result := &action.Result{
		TriggerSeq:  triggerSeq,
		TriggeredAt: time.Now(),
	}

	logger.InfoKV(ctx, "Marker confirmed, starting action sequence", "seq", triggerSeq)

	s.runServo(ctx, result)

	rtlErr := s.runRTL(ctx, result)

	result.ShutdownAt = time.Now()
	s.shutdown()

	logger.InfoKV(ctx, "Action sequence finished",
		"servo_ok", result.ServoOK,
		"rtl_sent", result.RTLSent,
		"rtl_acked", result.RTLAcked,
		"rtl_attempts", result.RTLAttempts)

	if rtlErr != nil {
		return result, fmt.Errorf("%w: %w", ErrRTLNotSent, rtlErr)
	}

	return result, nil
}

func (s *Sequencer) runServo(ctx context.Context, result *action.Result) {
	result.Servo.StartedAt = time.Now()
	defer func() { result.Servo.FinishedAt = time.Now() }()

	if s.servo == nil {
		result.Servo.Err = errServoDisabled.Error()
		logger.WarnKV(ctx, "Servo not available, skipping actuation")

		return
	}

	if err := s.servo.Actuate(ctx); err != nil {
		result.Servo.Err = err.Error()
		logger.ErrorKV(ctx, "Servo actuation failed, continuing with return-to-launch", "error", err)

		return
	}

	result.ServoOK = true
}

func (s *Sequencer) runRTL(ctx context.Context, result *action.Result) error {
	result.RTL.StartedAt = time.Now()
	defer func() { result.RTL.FinishedAt = time.Now() }()

	if s.link == nil {
		result.RTL.Err = errNoLink.Error()
		logger.ErrorKV(ctx, "FATAL: return-to-launch not sent", "error", errNoLink)

		return errNoLink
	}

	// An RTL in progress is not abandoned on cancellation; retries bound it.
	rtlCtx := context.WithoutCancel(ctx)
	cmd := mavlink.ReturnToLaunchCommand()

	attempt := func() error {
		result.RTLAttempts++
		result.RTLTimedOut = false

		s.link.DrainAcks()

		if err := s.link.SendCommand(rtlCtx, cmd); err != nil {
			if errors.Is(err, mavlink.ErrClosed) {
				return backoff.Permanent(err)
			}

			return err
		}

		_, err := s.link.WaitAck(rtlCtx, cmd.Command, s.opts.AckTimeout)

		switch {
		case err == nil:
			result.RTLAcked = true

			return nil
		case errors.Is(err, mavlink.ErrAckTimeout):
			result.RTLTimedOut = true

			if !s.opts.RequireAck {
				return nil
			}

			return err
		case errors.Is(err, mavlink.ErrClosed):
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.RetryBackoff
	policy.MaxElapsedTime = 0

	notify := func(err error, next time.Duration) {
		logger.WarnKV(ctx, "Return-to-launch attempt failed, retrying",
			"attempt", result.RTLAttempts,
			"retry_in", next,
			"error", err)
	}

	err := backoff.RetryNotify(
		attempt,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.opts.Retries)), rtlCtx),
		notify)
	if err != nil {
		result.RTL.Err = err.Error()
		logger.ErrorKV(ctx, "FATAL: return-to-launch not sent",
			"attempts", result.RTLAttempts,
			"error", err)

		return err
	}

	result.RTLSent = true

	if result.RTLAcked {
		logger.InfoKV(ctx, "Return-to-launch acknowledged", "attempts", result.RTLAttempts)
	} else {
		logger.WarnKV(ctx, "Return-to-launch sent without acknowledgement", "attempts", result.RTLAttempts)
	}

	return nil
}
