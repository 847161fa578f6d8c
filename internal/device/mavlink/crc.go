package mavlink

// crcInit is the X.25 (MCRF4XX) initial value.
const crcInit uint16 = 0xFFFF

// crcAccumulate folds one byte into an X.25 checksum.
func crcAccumulate(crc uint16, b byte) uint16 {
	tmp := b ^ byte(crc&0xFF)
	tmp ^= tmp << 4

	return (crc >> 8) ^ (uint16(tmp) << 8) ^ (uint16(tmp) << 3) ^ (uint16(tmp) >> 4)
}

// checksum computes the X.25 checksum of data.
func checksum(data ...[]byte) uint16 {
	crc := crcInit

	for _, chunk := range data {
		for _, b := range chunk {
			crc = crcAccumulate(crc, b)
		}
	}

	return crc
}

// crcExtra holds the per-message seed byte derived from each message definition.
var crcExtra = map[uint32]byte{
	MsgIDHeartbeat:   50,
	MsgIDCommandLong: 152,
	MsgIDCommandAck:  143,
}
