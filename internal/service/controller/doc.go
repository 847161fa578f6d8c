// Package controller runs the drone marker pipeline.
//
// The controller captures frames into the fan-out hub and consumes them on
// independent goroutines: the confirmation path (decoder, state machine and
// action sequencer), the streaming consumer feeding the status store and the
// optional upload sink. HTTP and gRPC servers read the status store
// concurrently. A confirmed marker, a fatal device or decoder error, an
// operator abort or a signal ends the run; shutdown always releases every
// device and writes a final run log entry.
package controller
