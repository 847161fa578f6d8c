package mavlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"github.com/oshokin/drone-marker/internal/logger"
)

// Ground-station identity used for outgoing packets.
const (
	DefaultSystemID    uint8 = 255
	DefaultComponentID uint8 = 190
)

// ackQueueSize bounds buffered COMMAND_ACK messages.
const ackQueueSize = 8

// Options configure a serial Link.
type Options struct {
	Port     string
	BaudRate int
	// ReadTimeout is the serial read timeout; reads that time out are retried.
	ReadTimeout time.Duration
}

// Link is a MAVLink connection to the flight controller. It is owned by one
// caller; SendCommand and WaitAck must not be used concurrently.
type Link struct {
	port    io.ReadWriteCloser
	decoder *Decoder

	sysID  uint8
	compID uint8

	writeMu sync.Mutex
	seq     uint8

	// mu protects heartbeat, heartbeatSeen, targetSys and targetComp.
	mu            sync.Mutex
	heartbeat     Heartbeat
	heartbeatSeen chan struct{}
	heartbeatOnce sync.Once
	targetSys     uint8
	targetComp    uint8

	acks chan CommandAck

	done      chan struct{}
	lost      chan struct{}
	lostOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens the serial port and starts reading from it.
func Dial(ctx context.Context, opts Options) (*Link, error) {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 500 * time.Millisecond
	}

	port, err := serial.Open(&serial.Config{
		Address:  opts.Port,
		BaudRate: opts.BaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  opts.ReadTimeout,
	})
	if err != nil {
		return nil, &LinkError{Op: "open", Err: err}
	}

	logger.InfoKV(logger.WithName(ctx, "mavlink"), "Serial link opened",
		"port", opts.Port,
		"baud", opts.BaudRate)

	return NewLink(port), nil
}

// NewLink starts a link over an already open port. The link owns port.
func NewLink(port io.ReadWriteCloser) *Link {
	l := &Link{
		port:          port,
		decoder:       NewDecoder(port),
		sysID:         DefaultSystemID,
		compID:        DefaultComponentID,
		heartbeatSeen: make(chan struct{}),
		acks:          make(chan CommandAck, ackQueueSize),
		done:          make(chan struct{}),
		lost:          make(chan struct{}),
	}

	l.wg.Add(1)

	go l.readLoop()

	return l
}

func (l *Link) readLoop() {
	defer l.wg.Done()

	for {
		p, err := l.decoder.ReadPacket()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}

			if isTerminal(err) {
				l.lostOnce.Do(func() { close(l.lost) })

				return
			}

			// Serial timeouts and framing errors are transient.
			continue
		}

		l.dispatch(p)
	}
}

// isTerminal reports read errors after which the port will never deliver data again.
func isTerminal(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}

func (l *Link) dispatch(p *Packet) {
	switch p.MsgID {
	case MsgIDHeartbeat:
		hb, err := ParseHeartbeat(p)
		if err != nil || !hb.IsAutopilot() {
			return
		}

		l.mu.Lock()
		l.heartbeat = hb
		l.mu.Unlock()

		l.heartbeatOnce.Do(func() { close(l.heartbeatSeen) })
	case MsgIDCommandAck:
		ack, err := ParseCommandAck(p)
		if err != nil {
			return
		}

		select {
		case l.acks <- ack:
		default:
			// Nobody is waiting; the oldest ack is irrelevant.
			select {
			case <-l.acks:
			default:
			}

			select {
			case l.acks <- ack:
			default:
			}
		}
	}
}

// WaitHeartbeat blocks until the first autopilot heartbeat and adopts its
// address as the command target unless one was set explicitly.
func (l *Link) WaitHeartbeat(ctx context.Context) (Heartbeat, error) {
	select {
	case <-l.heartbeatSeen:
	case <-ctx.Done():
		return Heartbeat{}, &LinkError{Op: "heartbeat", Err: fmt.Errorf("%w: %w", ErrNoHeartbeat, ctx.Err())}
	case <-l.done:
		return Heartbeat{}, &LinkError{Op: "heartbeat", Err: ErrClosed}
	case <-l.lost:
		return Heartbeat{}, &LinkError{Op: "heartbeat", Err: ErrClosed}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.targetSys == 0 {
		l.targetSys = l.heartbeat.SysID
	}

	if l.targetComp == 0 {
		l.targetComp = l.heartbeat.CompID
	}

	return l.heartbeat, nil
}

// SetTarget fixes the command target. Zero values keep the current value.
func (l *Link) SetTarget(system, component uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if system != 0 {
		l.targetSys = system
	}

	if component != 0 {
		l.targetComp = component
	}
}

// Target returns the command target, falling back to 1/1 when unknown.
func (l *Link) Target() (system, component uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()

	system, component = l.targetSys, l.targetComp
	if system == 0 {
		system = 1
	}

	if component == 0 {
		component = 1
	}

	return system, component
}

// SendCommand writes a COMMAND_LONG addressed to the current target.
func (l *Link) SendCommand(ctx context.Context, cmd CommandLong) error {
	if err := ctx.Err(); err != nil {
		return &LinkError{Op: "send", Err: err}
	}

	select {
	case <-l.done:
		return &LinkError{Op: "send", Err: ErrClosed}
	case <-l.lost:
		return &LinkError{Op: "send", Err: ErrClosed}
	default:
	}

	if cmd.TargetSystem == 0 && cmd.TargetComponent == 0 {
		cmd.TargetSystem, cmd.TargetComponent = l.Target()
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	packet := &Packet{
		Version: 2,
		Seq:     l.seq,
		SysID:   l.sysID,
		CompID:  l.compID,
		MsgID:   MsgIDCommandLong,
		Payload: cmd.MarshalPayload(),
	}

	data, err := packet.Encode()
	if err != nil {
		return &LinkError{Op: "send", Err: err}
	}

	l.seq++

	if _, err = l.port.Write(data); err != nil {
		return &LinkError{Op: "send", Err: err}
	}

	return nil
}

// DrainAcks discards acknowledgements received before a new command is sent.
func (l *Link) DrainAcks() {
	for {
		select {
		case <-l.acks:
		default:
			return
		}
	}
}

// WaitAck waits for the COMMAND_ACK of command. A non-accepting result
// returns ErrCommandRejected; silence returns ErrAckTimeout.
func (l *Link) WaitAck(ctx context.Context, command uint16, timeout time.Duration) (CommandAck, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-l.acks:
			if ack.Command != command {
				continue
			}

			if !ack.Accepted() {
				return ack, &LinkError{
					Op:  "ack",
					Err: fmt.Errorf("%w: %s", ErrCommandRejected, ResultName(ack.Result)),
				}
			}

			return ack, nil
		case <-timer.C:
			return CommandAck{}, &LinkError{Op: "ack", Err: ErrAckTimeout}
		case <-ctx.Done():
			return CommandAck{}, &LinkError{Op: "ack", Err: ctx.Err()}
		case <-l.done:
			return CommandAck{}, &LinkError{Op: "ack", Err: ErrClosed}
		case <-l.lost:
			return CommandAck{}, &LinkError{Op: "ack", Err: ErrClosed}
		}
	}
}

// ReturnToLaunchCommand builds the RTL command.
func ReturnToLaunchCommand() CommandLong {
	return CommandLong{Command: CmdNavReturnToLaunch}
}

// Close stops the reader and closes the port. It is idempotent.
func (l *Link) Close() error {
	var err error

	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
		l.wg.Wait()
	})

	return err
}
