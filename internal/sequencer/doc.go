// Package sequencer runs the one-shot action sequence after a confirmed marker.
//
// The sequence is: actuate the servo (best effort), send return-to-launch to
// the flight controller with bounded retries, then request shutdown. Shutdown
// is requested on every path, including when the RTL command could not be
// delivered.
package sequencer
