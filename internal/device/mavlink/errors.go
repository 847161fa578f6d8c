package mavlink

import (
	"errors"
	"fmt"
)

var (
	// ErrAckTimeout is returned when no COMMAND_ACK arrives in time.
	ErrAckTimeout = errors.New("command ack timeout")
	// ErrCommandRejected is returned when the flight controller refuses a command.
	ErrCommandRejected = errors.New("command rejected")
	// ErrClosed is returned after the link has been closed or lost.
	ErrClosed = errors.New("link closed")
	// ErrNoHeartbeat is returned when the autopilot stays silent.
	ErrNoHeartbeat = errors.New("no heartbeat from autopilot")
)

// LinkError reports a failed operation on the flight-controller link.
type LinkError struct {
	// Op is the failed operation, for example "open", "send" or "ack".
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("mavlink %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
