package servo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/oshokin/drone-marker/internal/logger"
)

// ErrPinNotFound is returned when the configured pin does not exist on this host.
var ErrPinNotFound = errors.New("gpio pin not found")

// ActuatorError reports a servo failure. It is never fatal to the run.
type ActuatorError struct {
	// Op is the failed step: "open", "trigger", "neutral" or "release".
	Op  string
	Err error
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("servo %s: %v", e.Op, e.Err)
}

func (e *ActuatorError) Unwrap() error {
	return e.Err
}

// Pin is the part of a periph GPIO pin the servo uses.
type Pin interface {
	PWM(duty gpio.Duty, f physic.Frequency) error
	Halt() error
}

// Options configure the servo routine. Duty values are percentages.
type Options struct {
	Pin         string
	FrequencyHz int
	NeutralDuty float64
	TriggerDuty float64
	TriggerHold time.Duration
	NeutralHold time.Duration
}

// Servo runs the release routine on one PWM pin.
type Servo struct {
	pin  Pin
	opts Options
}

// Open initialises the host drivers and claims the named pin.
func Open(ctx context.Context, opts Options) (*Servo, error) {
	if _, err := host.Init(); err != nil {
		return nil, &ActuatorError{Op: "open", Err: fmt.Errorf("init host drivers: %w", err)}
	}

	pin := gpioreg.ByName(opts.Pin)
	if pin == nil {
		return nil, &ActuatorError{Op: "open", Err: fmt.Errorf("%w: %s", ErrPinNotFound, opts.Pin)}
	}

	logger.InfoKV(logger.WithName(ctx, "servo"), "Servo pin ready",
		"pin", pin.Name(),
		"frequency_hz", opts.FrequencyHz)

	return New(pin, opts), nil
}

// New creates a servo on an already resolved pin.
func New(pin Pin, opts Options) *Servo {
	if opts.FrequencyHz <= 0 {
		opts.FrequencyHz = 50
	}

	return &Servo{
		pin:  pin,
		opts: opts,
	}
}

// Duty converts a duty-cycle percentage to a periph duty value.
func Duty(percent float64) gpio.Duty {
	percent = math.Max(0, math.Min(100, percent))

	return gpio.Duty(math.Round(float64(gpio.DutyMax) * percent / 100))
}

// SetDuty drives the pin at the given duty-cycle percentage.
func (s *Servo) SetDuty(percent float64) error {
	return s.pin.PWM(Duty(percent), physic.Frequency(s.opts.FrequencyHz)*physic.Hertz)
}

// Actuate runs trigger, hold, neutral, hold and release. Every step is
// attempted even when an earlier one failed; the first failure is returned as
// an ActuatorError. Cancelling ctx cuts the holds short.
func (s *Servo) Actuate(ctx context.Context) error {
	ctx = logger.WithName(ctx, "servo")

	var errs []error

	if err := s.SetDuty(s.opts.TriggerDuty); err != nil {
		errs = append(errs, &ActuatorError{Op: "trigger", Err: err})
	} else {
		logger.InfoKV(ctx, "Servo moved to trigger position", "duty", s.opts.TriggerDuty)
	}

	holdErr := hold(ctx, s.opts.TriggerHold)

	if holdErr == nil {
		if err := s.SetDuty(s.opts.NeutralDuty); err != nil {
			errs = append(errs, &ActuatorError{Op: "neutral", Err: err})
		} else {
			logger.InfoKV(ctx, "Servo returned to neutral position", "duty", s.opts.NeutralDuty)
		}

		holdErr = hold(ctx, s.opts.NeutralHold)
	}

	if holdErr != nil {
		errs = append(errs, &ActuatorError{Op: "hold", Err: holdErr})
	}

	if err := s.Release(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}

// Release stops the PWM signal.
func (s *Servo) Release() error {
	if err := s.pin.PWM(0, physic.Frequency(s.opts.FrequencyHz)*physic.Hertz); err != nil {
		return &ActuatorError{Op: "release", Err: err}
	}

	if err := s.pin.Halt(); err != nil {
		return &ActuatorError{Op: "release", Err: err}
	}

	return nil
}

func hold(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
