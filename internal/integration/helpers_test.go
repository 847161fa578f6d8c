package integration

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/oshokin/drone-marker/internal/device/mavlink"
)

// qrJPEG renders text as a QR code JPEG.
func qrJPEG(t *testing.T, text string) []byte {
	t.Helper()

	matrix, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, 240, 240, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, matrix, &jpeg.Options{Quality: 90}))

	return buf.Bytes()
}

// blankJPEG renders an empty grey image.
func blankJPEG(t *testing.T) []byte {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, 240, 240))
	for i := range img.Pix {
		img.Pix[i] = 128
	}

	img.Set(0, 0, color.Gray{Y: 0})

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))

	return buf.Bytes()
}

// servoPin records PWM activity.
type servoPin struct {
	mu     sync.Mutex
	duties []gpio.Duty
	halted int
}

func (p *servoPin) PWM(duty gpio.Duty, _ physic.Frequency) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.duties = append(p.duties, duty)

	return nil
}

func (p *servoPin) Halt() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.halted++

	return nil
}

func (p *servoPin) snapshot() ([]gpio.Duty, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]gpio.Duty(nil), p.duties...), p.halted
}

// autopilot plays the flight controller on the far end of the serial link:
// it sends one heartbeat and acknowledges every COMMAND_LONG.
type autopilot struct {
	t        *testing.T
	conn     net.Conn
	commands chan mavlink.CommandLong
}

func startAutopilot(t *testing.T, conn net.Conn) *autopilot {
	t.Helper()

	a := &autopilot{t: t, conn: conn, commands: make(chan mavlink.CommandLong, 8)}

	go a.serve()

	return a
}

func (a *autopilot) send(msgID uint32, payload []byte) error {
	data, err := (&mavlink.Packet{Version: 2, SysID: 1, CompID: 1, MsgID: msgID, Payload: payload}).Encode()
	if err != nil {
		return err
	}

	_, err = a.conn.Write(data)

	return err
}

func (a *autopilot) serve() {
	heartbeat := mavlink.Heartbeat{Type: 2, Autopilot: 3, SystemStatus: 4, MavlinkVersion: 3}
	if a.send(mavlink.MsgIDHeartbeat, heartbeat.MarshalPayload()) != nil {
		return
	}

	d := mavlink.NewDecoder(a.conn)

	for {
		p, err := d.ReadPacket()
		if err != nil {
			return
		}

		cmd, err := mavlink.ParseCommandLong(p)
		if err != nil {
			continue
		}

		a.commands <- cmd

		ack := mavlink.CommandAck{Command: cmd.Command, Result: mavlink.ResultAccepted}
		if a.send(mavlink.MsgIDCommandAck, ack.MarshalPayload()) != nil {
			return
		}
	}
}

// groundStation counts uploaded frames.
type groundStation struct {
	frames atomic.Int64
}

func startGroundStation(t *testing.T) (*groundStation, string) {
	t.Helper()

	gs := new(groundStation)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/stream/frame", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("frame"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		gs.frames.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return gs, srv.URL
}

// listen binds an ephemeral loopback port.
func listen(t *testing.T) net.Listener {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	return l
}
