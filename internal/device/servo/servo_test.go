package servo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

type pwmCall struct {
	at   time.Time
	duty gpio.Duty
	freq physic.Frequency
}

// fakePin records PWM calls and optionally fails on a given duty.
type fakePin struct {
	mu      sync.Mutex
	calls   []pwmCall
	halted  int
	failOn  gpio.Duty
	failErr error
}

func (p *fakePin) PWM(duty gpio.Duty, f physic.Frequency) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, pwmCall{at: time.Now(), duty: duty, freq: f})

	if p.failErr != nil && duty == p.failOn {
		return p.failErr
	}

	return nil
}

func (p *fakePin) Halt() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.halted++

	return nil
}

func testOptions() Options {
	return Options{
		Pin:         "GPIO18",
		FrequencyHz: 50,
		NeutralDuty: 2.5,
		TriggerDuty: 7.5,
		TriggerHold: 1200 * time.Millisecond,
		NeutralHold: 800 * time.Millisecond,
	}
}

// TestDuty converts percentages and clamps out-of-range values.
func TestDuty(t *testing.T) {
	t.Parallel()

	require.Equal(t, gpio.DutyHalf, Duty(50))
	require.Equal(t, gpio.DutyMax, Duty(150))
	require.Equal(t, gpio.Duty(0), Duty(-1))
}

// TestServo_ActuateSequence checks positions and hold timings.
func TestServo_ActuateSequence(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		pin := new(fakePin)
		s := New(pin, testOptions())

		start := time.Now()
		require.NoError(t, s.Actuate(context.Background()))

		require.Len(t, pin.calls, 3)
		require.Equal(t, Duty(7.5), pin.calls[0].duty)
		require.Equal(t, 50*physic.Hertz, pin.calls[0].freq)
		require.Equal(t, Duty(2.5), pin.calls[1].duty)
		require.Equal(t, 1200*time.Millisecond, pin.calls[1].at.Sub(start))
		require.Equal(t, gpio.Duty(0), pin.calls[2].duty)
		require.Equal(t, 2*time.Second, pin.calls[2].at.Sub(start))
		require.Equal(t, 1, pin.halted)
	})
}

// TestServo_FailureStillReleases verifies a failed step is reported and the pin is released.
func TestServo_FailureStillReleases(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		pin := &fakePin{failOn: Duty(7.5), failErr: errors.New("pwm unavailable")}
		s := New(pin, testOptions())

		err := s.Actuate(context.Background())

		var actErr *ActuatorError
		require.ErrorAs(t, err, &actErr)
		require.Equal(t, "trigger", actErr.Op)
		require.Len(t, pin.calls, 3)
		require.Equal(t, 1, pin.halted)
	})
}

// TestServo_CancelledHold cuts the routine short but releases the pin.
func TestServo_CancelledHold(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		pin := new(fakePin)
		s := New(pin, testOptions())

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()

		err := s.Actuate(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		// Trigger, then straight to release.
		require.Len(t, pin.calls, 2)
		require.Equal(t, gpio.Duty(0), pin.calls[1].duty)
		require.Equal(t, 1, pin.halted)
	})
}
