// Package marker contains the marker confirmation state machine.
//
// A Machine consumes one Observation per decoded frame, in frame order, and
// counts consecutive observations whose payload equals the target text. Any
// mismatch, including a frame with no marker at all, resets the counter. When
// the counter reaches the threshold the machine enters Triggered exactly once.
// Triggered and Faulted are terminal.
package marker
