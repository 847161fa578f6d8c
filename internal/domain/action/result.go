package action

import "time"

// Step is the outcome of one step of the action sequence.
type Step struct {
	// StartedAt is when the step began.
	StartedAt time.Time
	// FinishedAt is when the step ended, successfully or not.
	FinishedAt time.Time
	// Err is the failure message, empty on success.
	Err string
}

// Duration returns how long the step took.
func (s Step) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}

	return s.FinishedAt.Sub(s.StartedAt)
}

// Result records the action sequence run after a Triggered transition.
// It is produced once and not modified afterwards.
type Result struct {
	// TriggerSeq is the frame that completed confirmation.
	TriggerSeq uint64
	// TriggeredAt is when the sequencer started.
	TriggeredAt time.Time

	// ServoOK reports whether the servo routine completed.
	ServoOK bool
	// Servo holds the servo step timing.
	Servo Step

	// RTLSent reports whether the return-to-launch command went out and,
	// when acknowledgement is required, was accepted.
	RTLSent bool
	// RTLAcked reports whether the flight controller acknowledged the command.
	RTLAcked bool
	// RTLTimedOut reports whether the last attempt ended waiting for the ack.
	RTLTimedOut bool
	// RTLAttempts is the number of send attempts made.
	RTLAttempts int
	// RTL holds the RTL step timing.
	RTL Step

	// ShutdownAt is when orderly shutdown was requested.
	ShutdownAt time.Time
}

// Clone returns a copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}

	cloned := *r

	return &cloned
}

// Fields flattens the result for structured logs and event payloads.
func (r *Result) Fields() map[string]any {
	if r == nil {
		return map[string]any{}
	}

	fields := map[string]any{
		"trigger_seq":   r.TriggerSeq,
		"triggered_at":  formatTime(r.TriggeredAt),
		"servo_ok":      r.ServoOK,
		"servo_ms":      r.Servo.Duration().Milliseconds(),
		"rtl_sent":      r.RTLSent,
		"rtl_acked":     r.RTLAcked,
		"rtl_timed_out": r.RTLTimedOut,
		"rtl_attempts":  r.RTLAttempts,
		"rtl_ms":        r.RTL.Duration().Milliseconds(),
		"shutdown_at":   formatTime(r.ShutdownAt),
	}

	if r.Servo.Err != "" {
		fields["servo_error"] = r.Servo.Err
	}

	if r.RTL.Err != "" {
		fields["rtl_error"] = r.RTL.Err
	}

	return fields
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}

	return ts.UTC().Format(time.RFC3339Nano)
}
