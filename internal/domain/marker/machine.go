package marker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOutOfOrder is returned when an observation does not advance the frame sequence.
	ErrOutOfOrder = errors.New("observation out of frame order")
	// ErrInvalidThreshold is returned for a threshold below one.
	ErrInvalidThreshold = errors.New("threshold must be positive")
	// ErrEmptyTarget is returned when the target text is blank.
	ErrEmptyTarget = errors.New("target text must not be empty")
)

// Machine is the marker confirmation state machine.
// It is owned by a single goroutine and is not safe for concurrent use.
type Machine struct {
	state State
	// started is false until the first observation is accepted.
	started bool
	// faultErr keeps the cause of a Faulted transition.
	faultErr error
}

// NewMachine creates an idle machine for the given target text and threshold.
func NewMachine(targetText string, threshold int) (*Machine, error) {
	targetText = strings.TrimSpace(targetText)
	if targetText == "" {
		return nil, ErrEmptyTarget
	}

	if threshold < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidThreshold, threshold)
	}

	return &Machine{
		state: State{
			TargetText: targetText,
			Threshold:  threshold,
			Status:     Idle,
		},
	}, nil
}

// Observe applies one observation. Observations must arrive in strictly
// increasing frame order; a stale or repeated sequence number is rejected with
// ErrOutOfOrder and leaves the state untouched. Once the machine is terminal,
// every observation is a no-op.
func (m *Machine) Observe(obs Observation) (Transition, error) {
	from := m.state.Status

	if from.Terminal() {
		return Transition{
			Seq:     obs.Seq,
			From:    from,
			To:      from,
			Counter: m.state.Counter,
		}, nil
	}

	if m.started && obs.Seq <= m.state.LastSeq {
		return Transition{}, fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, obs.Seq, m.state.LastSeq)
	}

	m.started = true
	m.state.LastSeq = obs.Seq

	payload := strings.TrimSpace(obs.Payload)
	if obs.Found && payload != "" {
		m.state.LastPayload = payload
	}

	transition := Transition{
		Seq:  obs.Seq,
		From: from,
	}

	if obs.Found && payload == m.state.TargetText {
		m.state.Counter++

		switch {
		case m.state.Counter >= m.state.Threshold:
			m.state.Status = Triggered
			transition.Fired = true
		default:
			m.state.Status = Confirming
		}
	} else {
		transition.Reset = m.state.Counter > 0
		m.state.Counter = 0
		m.state.Status = Idle
	}

	transition.To = m.state.Status
	transition.Counter = m.state.Counter

	return transition, nil
}

// Fault moves a non-terminal machine to Faulted. The counter is kept as it
// was so the final log shows how far confirmation got.
func (m *Machine) Fault(cause error) Transition {
	from := m.state.Status
	if from.Terminal() {
		return Transition{
			Seq:     m.state.LastSeq,
			From:    from,
			To:      from,
			Counter: m.state.Counter,
		}
	}

	m.state.Status = Faulted
	m.faultErr = cause

	return Transition{
		Seq:     m.state.LastSeq,
		From:    from,
		To:      Faulted,
		Counter: m.state.Counter,
	}
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	return m.state
}

// Err returns the cause of the fault, or nil.
func (m *Machine) Err() error {
	return m.faultErr
}
