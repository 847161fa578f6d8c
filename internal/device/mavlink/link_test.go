package mavlink

import (
	"context"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAutopilot plays the flight controller on the far end of a pipe.
type fakeAutopilot struct {
	t    *testing.T
	conn net.Conn
	// ackResult is sent for every command; nil means never acknowledge.
	ackResult *uint8
	commands  chan CommandLong
}

func newFakeAutopilot(t *testing.T, conn net.Conn, ackResult *uint8) *fakeAutopilot {
	t.Helper()

	return &fakeAutopilot{
		t:         t,
		conn:      conn,
		ackResult: ackResult,
		commands:  make(chan CommandLong, 4),
	}
}

func (f *fakeAutopilot) send(msgID uint32, payload []byte) {
	data, err := (&Packet{Version: 2, SysID: 1, CompID: 1, MsgID: msgID, Payload: payload}).Encode()
	require.NoError(f.t, err)

	_, _ = f.conn.Write(data)
}

func (f *fakeAutopilot) heartbeat() {
	f.send(MsgIDHeartbeat, Heartbeat{Type: 2, Autopilot: 3, SystemStatus: 4, MavlinkVersion: 3}.MarshalPayload())
}

func (f *fakeAutopilot) serve() {
	d := NewDecoder(f.conn)

	for {
		p, err := d.ReadPacket()
		if err != nil {
			return
		}

		cmd, err := ParseCommandLong(p)
		if err != nil {
			continue
		}

		f.commands <- cmd

		if f.ackResult != nil {
			f.send(MsgIDCommandAck, CommandAck{Command: cmd.Command, Result: *f.ackResult}.MarshalPayload())
		}
	}
}

func ptr[T any](v T) *T { return &v }

// TestLink_HeartbeatAndAcknowledgedRTL covers the normal return-to-launch exchange.
func TestLink_HeartbeatAndAcknowledgedRTL(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		local, remote := net.Pipe()
		link := NewLink(local)

		fc := newFakeAutopilot(t, remote, ptr(ResultAccepted))
		go fc.heartbeat()

		hb, err := link.WaitHeartbeat(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint8(1), hb.SysID)

		go fc.serve()

		link.DrainAcks()
		require.NoError(t, link.SendCommand(context.Background(), ReturnToLaunchCommand()))

		ack, err := link.WaitAck(context.Background(), CmdNavReturnToLaunch, time.Second)
		require.NoError(t, err)
		require.Equal(t, ResultAccepted, ack.Result)

		cmd := <-fc.commands
		require.Equal(t, CmdNavReturnToLaunch, cmd.Command)
		require.Equal(t, uint8(1), cmd.TargetSystem)
		require.Equal(t, uint8(1), cmd.TargetComponent)

		require.NoError(t, link.Close())
		require.NoError(t, link.Close())
		_ = remote.Close()
	})
}

// TestLink_AckTimeout verifies a silent autopilot yields ErrAckTimeout after the timeout.
func TestLink_AckTimeout(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		local, remote := net.Pipe()
		link := NewLink(local)

		fc := newFakeAutopilot(t, remote, nil)
		go fc.serve()

		require.NoError(t, link.SendCommand(context.Background(), ReturnToLaunchCommand()))

		start := time.Now()
		_, err := link.WaitAck(context.Background(), CmdNavReturnToLaunch, time.Second)
		require.ErrorIs(t, err, ErrAckTimeout)
		require.Equal(t, time.Second, time.Since(start))

		var linkErr *LinkError
		require.ErrorAs(t, err, &linkErr)
		require.Equal(t, "ack", linkErr.Op)

		// Without a heartbeat the target falls back to 1/1.
		cmd := <-fc.commands
		require.Equal(t, uint8(1), cmd.TargetSystem)

		require.NoError(t, link.Close())
		_ = remote.Close()
	})
}

// TestLink_CommandRejected verifies a DENIED ack is reported as rejection.
func TestLink_CommandRejected(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		local, remote := net.Pipe()
		link := NewLink(local)
		link.SetTarget(3, 4)

		fc := newFakeAutopilot(t, remote, ptr(ResultDenied))
		go fc.serve()

		require.NoError(t, link.SendCommand(context.Background(), ReturnToLaunchCommand()))

		_, err := link.WaitAck(context.Background(), CmdNavReturnToLaunch, time.Second)
		require.ErrorIs(t, err, ErrCommandRejected)
		require.ErrorContains(t, err, "DENIED")

		cmd := <-fc.commands
		require.Equal(t, uint8(3), cmd.TargetSystem)
		require.Equal(t, uint8(4), cmd.TargetComponent)

		require.NoError(t, link.Close())
		_ = remote.Close()
	})
}

// TestLink_LostPort verifies waits end when the port disappears.
func TestLink_LostPort(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		local, remote := net.Pipe()
		link := NewLink(local)

		require.NoError(t, remote.Close())

		_, err := link.WaitHeartbeat(context.Background())
		require.ErrorIs(t, err, ErrClosed)

		err = link.SendCommand(context.Background(), ReturnToLaunchCommand())
		require.ErrorIs(t, err, ErrClosed)

		require.NoError(t, link.Close())
	})
}

// TestLink_HeartbeatTimeout verifies WaitHeartbeat honours its context.
func TestLink_HeartbeatTimeout(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		local, remote := net.Pipe()
		link := NewLink(local)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := link.WaitHeartbeat(ctx)
		require.ErrorIs(t, err, ErrNoHeartbeat)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		require.NoError(t, link.Close())
		_ = remote.Close()
	})
}
