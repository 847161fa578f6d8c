package mavlink

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	stxV1 = 0xFE
	stxV2 = 0xFD

	headerLenV1 = 5
	headerLenV2 = 9
	checksumLen = 2

	// signatureLen is the trailing signature of a signed v2 packet.
	signatureLen = 13
	// incompatSigned marks a signed v2 packet.
	incompatSigned = 0x01
)

var (
	// ErrBadChecksum is returned for a packet whose checksum does not match.
	ErrBadChecksum = errors.New("mavlink checksum mismatch")
	// ErrPayloadTooLarge is returned when encoding more than 255 payload bytes.
	ErrPayloadTooLarge = errors.New("mavlink payload exceeds 255 bytes")
)

// Packet is one MAVLink frame.
type Packet struct {
	// Version is 1 or 2.
	Version  int
	Seq      uint8
	SysID    uint8
	CompID   uint8
	MsgID    uint32
	Incompat uint8
	Compat   uint8
	Payload  []byte
	// Checked is false when the message id is unknown and the checksum could not be verified.
	Checked bool
}

// Encode serialises the packet, computing its checksum. Version 2 payloads
// are sent with trailing zero bytes trimmed.
func (p *Packet) Encode() ([]byte, error) {
	payload := p.Payload
	if p.Version != 1 {
		payload = trimPayload(payload)
	}

	if len(payload) > 255 {
		return nil, ErrPayloadTooLarge
	}

	var header []byte

	switch p.Version {
	case 1:
		if p.MsgID > 0xFF {
			return nil, fmt.Errorf("message id %d does not fit mavlink v1", p.MsgID)
		}

		header = []byte{byte(len(payload)), p.Seq, p.SysID, p.CompID, byte(p.MsgID)}
	default:
		header = []byte{
			byte(len(payload)), p.Incompat &^ incompatSigned, p.Compat, p.Seq, p.SysID, p.CompID,
			byte(p.MsgID), byte(p.MsgID >> 8), byte(p.MsgID >> 16),
		}
	}

	crc := checksum(header, payload)
	if extra, ok := crcExtra[p.MsgID]; ok {
		crc = crcAccumulate(crc, extra)
	}

	out := make([]byte, 0, 1+len(header)+len(payload)+checksumLen)
	if p.Version == 1 {
		out = append(out, stxV1)
	} else {
		out = append(out, stxV2)
	}

	out = append(out, header...)
	out = append(out, payload...)
	out = binary.LittleEndian.AppendUint16(out, crc)

	return out, nil
}

// trimPayload removes trailing zero bytes, keeping at least one byte.
func trimPayload(payload []byte) []byte {
	end := len(payload)
	for end > 1 && payload[end-1] == 0 {
		end--
	}

	return payload[:end]
}

// Decoder reads packets from a byte stream, resynchronising on garbage.
type Decoder struct {
	r *bufio.Reader
	// BadChecksums counts discarded packets.
	BadChecksums uint64
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r: bufio.NewReaderSize(r, 512),
	}
}

// ReadPacket returns the next packet. Bytes that do not start a packet and
// packets with a bad checksum are skipped.
func (d *Decoder) ReadPacket() (*Packet, error) {
	for {
		stx, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}

		var p *Packet

		switch stx {
		case stxV2:
			p, err = d.readV2()
		case stxV1:
			p, err = d.readV1()
		default:
			continue
		}

		if errors.Is(err, ErrBadChecksum) {
			d.BadChecksums++

			continue
		}

		return p, err
	}
}

func (d *Decoder) readV1() (*Packet, error) {
	header := make([]byte, headerLenV1)
	if _, err := io.ReadFull(d.r, header); err != nil {
		return nil, err
	}

	p := &Packet{
		Version: 1,
		Seq:     header[1],
		SysID:   header[2],
		CompID:  header[3],
		MsgID:   uint32(header[4]),
	}

	return d.readBody(p, header, int(header[0]))
}

func (d *Decoder) readV2() (*Packet, error) {
	header := make([]byte, headerLenV2)
	if _, err := io.ReadFull(d.r, header); err != nil {
		return nil, err
	}

	p := &Packet{
		Version:  2,
		Incompat: header[1],
		Compat:   header[2],
		Seq:      header[3],
		SysID:    header[4],
		CompID:   header[5],
		MsgID:    uint32(header[6]) | uint32(header[7])<<8 | uint32(header[8])<<16,
	}

	p, err := d.readBody(p, header, int(header[0]))

	if p != nil || errors.Is(err, ErrBadChecksum) {
		if header[1]&incompatSigned != 0 {
			if _, discardErr := d.r.Discard(signatureLen); discardErr != nil {
				return nil, discardErr
			}
		}
	}

	return p, err
}

func (d *Decoder) readBody(p *Packet, header []byte, length int) (*Packet, error) {
	body := make([]byte, length+checksumLen)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, err
	}

	payload := body[:length]
	got := binary.LittleEndian.Uint16(body[length:])

	extra, known := crcExtra[p.MsgID]
	if known {
		want := crcAccumulate(checksum(header, payload), extra)
		if got != want {
			return nil, fmt.Errorf("%w: message %d", ErrBadChecksum, p.MsgID)
		}
	}

	p.Payload = payload
	p.Checked = known

	return p, nil
}
