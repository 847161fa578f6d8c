// Package mavlink is the flight-controller link.
//
// It implements the small part of MAVLink the controller needs: v1 and v2
// framing with the X.25 checksum, HEARTBEAT, COMMAND_LONG and COMMAND_ACK.
// A Link owns a serial port, reads packets in the background, learns the
// autopilot address from its heartbeat and sends commands with optional
// acknowledgement.
package mavlink
