package emitter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Lifecycle event names.
const (
	EventStarted      = "started"
	EventConfirming   = "confirming"
	EventTriggered    = "triggered"
	EventActionResult = "action_result"
	EventStopped      = "stopped"
	EventFatal        = "fatal"
)

// Payload encodings.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Event is one published message.
type Event struct {
	Name      string         `json:"event"            msgpack:"event"`
	RunID     string         `json:"run_id"           msgpack:"run_id"`
	Timestamp float64        `json:"timestamp"        msgpack:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty" msgpack:"fields,omitempty"`
}

// NewEvent stamps an event with the given time as fractional unix seconds.
func NewEvent(name, runID string, at time.Time, fields map[string]any) Event {
	return Event{
		Name:      name,
		RunID:     runID,
		Timestamp: float64(at.UnixNano()) / float64(time.Second),
		Fields:    fields,
	}
}

// Encode marshals the event with the given encoding.
func (e Event) Encode(encoding string) ([]byte, error) {
	switch encoding {
	case EncodingJSON, "":
		return json.Marshal(e)
	case EncodingMsgpack:
		return msgpack.Marshal(e)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, encoding)
	}
}
