package mavlink

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Message ids.
const (
	MsgIDHeartbeat   uint32 = 0
	MsgIDCommandLong uint32 = 76
	MsgIDCommandAck  uint32 = 77
)

// Commands and enum values used by the controller.
const (
	// CmdNavReturnToLaunch is MAV_CMD_NAV_RETURN_TO_LAUNCH.
	CmdNavReturnToLaunch uint16 = 20

	// MavTypeGCS is MAV_TYPE_GCS; heartbeats of this type come from other ground stations.
	MavTypeGCS uint8 = 6

	// MavAutopilotInvalid is MAV_AUTOPILOT_INVALID, used by non-flight-controller components.
	MavAutopilotInvalid uint8 = 8
)

// MAV_RESULT values.
const (
	ResultAccepted            uint8 = 0
	ResultTemporarilyRejected uint8 = 1
	ResultDenied              uint8 = 2
	ResultUnsupported         uint8 = 3
	ResultFailed              uint8 = 4
	ResultInProgress          uint8 = 5
	ResultCancelled           uint8 = 6
)

const (
	heartbeatLen   = 9
	commandLongLen = 33
	commandAckLen  = 10
)

// Heartbeat is the HEARTBEAT message.
type Heartbeat struct {
	CustomMode     uint32
	Type           uint8
	Autopilot      uint8
	BaseMode       uint8
	SystemStatus   uint8
	MavlinkVersion uint8
	// SysID and CompID come from the packet header.
	SysID  uint8
	CompID uint8
}

// IsAutopilot reports whether the heartbeat was sent by a flight controller.
func (h Heartbeat) IsAutopilot() bool {
	return h.Type != MavTypeGCS && h.Autopilot != MavAutopilotInvalid
}

// MarshalPayload encodes the heartbeat payload.
func (h Heartbeat) MarshalPayload() []byte {
	b := make([]byte, heartbeatLen)
	binary.LittleEndian.PutUint32(b[0:], h.CustomMode)
	b[4] = h.Type
	b[5] = h.Autopilot
	b[6] = h.BaseMode
	b[7] = h.SystemStatus
	b[8] = h.MavlinkVersion

	return b
}

// ParseHeartbeat decodes a HEARTBEAT packet.
func ParseHeartbeat(p *Packet) (Heartbeat, error) {
	if p.MsgID != MsgIDHeartbeat {
		return Heartbeat{}, fmt.Errorf("message %d is not a heartbeat", p.MsgID)
	}

	b := extend(p.Payload, heartbeatLen)

	return Heartbeat{
		CustomMode:     binary.LittleEndian.Uint32(b[0:]),
		Type:           b[4],
		Autopilot:      b[5],
		BaseMode:       b[6],
		SystemStatus:   b[7],
		MavlinkVersion: b[8],
		SysID:          p.SysID,
		CompID:         p.CompID,
	}, nil
}

// CommandLong is the COMMAND_LONG message.
type CommandLong struct {
	Params          [7]float32
	Command         uint16
	TargetSystem    uint8
	TargetComponent uint8
	Confirmation    uint8
}

// MarshalPayload encodes the command payload in wire field order.
func (c CommandLong) MarshalPayload() []byte {
	b := make([]byte, commandLongLen)
	for i, v := range c.Params {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}

	binary.LittleEndian.PutUint16(b[28:], c.Command)
	b[30] = c.TargetSystem
	b[31] = c.TargetComponent
	b[32] = c.Confirmation

	return b
}

// ParseCommandLong decodes a COMMAND_LONG packet.
func ParseCommandLong(p *Packet) (CommandLong, error) {
	if p.MsgID != MsgIDCommandLong {
		return CommandLong{}, fmt.Errorf("message %d is not a command_long", p.MsgID)
	}

	b := extend(p.Payload, commandLongLen)

	var c CommandLong
	for i := range c.Params {
		c.Params[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}

	c.Command = binary.LittleEndian.Uint16(b[28:])
	c.TargetSystem = b[30]
	c.TargetComponent = b[31]
	c.Confirmation = b[32]

	return c, nil
}

// CommandAck is the COMMAND_ACK message.
type CommandAck struct {
	Command         uint16
	Result          uint8
	Progress        uint8
	ResultParam2    int32
	TargetSystem    uint8
	TargetComponent uint8
}

// Accepted reports whether the flight controller took the command.
func (a CommandAck) Accepted() bool {
	return a.Result == ResultAccepted || a.Result == ResultInProgress
}

// MarshalPayload encodes the ack payload including v2 extensions.
func (a CommandAck) MarshalPayload() []byte {
	b := make([]byte, commandAckLen)
	binary.LittleEndian.PutUint16(b[0:], a.Command)
	b[2] = a.Result
	b[3] = a.Progress
	binary.LittleEndian.PutUint32(b[4:], uint32(a.ResultParam2))
	b[8] = a.TargetSystem
	b[9] = a.TargetComponent

	return b
}

// ParseCommandAck decodes a COMMAND_ACK packet.
func ParseCommandAck(p *Packet) (CommandAck, error) {
	if p.MsgID != MsgIDCommandAck {
		return CommandAck{}, fmt.Errorf("message %d is not a command_ack", p.MsgID)
	}

	b := extend(p.Payload, commandAckLen)

	return CommandAck{
		Command:         binary.LittleEndian.Uint16(b[0:]),
		Result:          b[2],
		Progress:        b[3],
		ResultParam2:    int32(binary.LittleEndian.Uint32(b[4:])),
		TargetSystem:    b[8],
		TargetComponent: b[9],
	}, nil
}

// ResultName returns the MAV_RESULT name for logs.
func ResultName(result uint8) string {
	switch result {
	case ResultAccepted:
		return "ACCEPTED"
	case ResultTemporarilyRejected:
		return "TEMPORARILY_REJECTED"
	case ResultDenied:
		return "DENIED"
	case ResultUnsupported:
		return "UNSUPPORTED"
	case ResultFailed:
		return "FAILED"
	case ResultInProgress:
		return "IN_PROGRESS"
	case ResultCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("RESULT_%d", result)
	}
}

// extend zero-fills a truncated v2 payload up to n bytes.
func extend(payload []byte, n int) []byte {
	if len(payload) >= n {
		return payload
	}

	out := make([]byte, n)
	copy(out, payload)

	return out
}
