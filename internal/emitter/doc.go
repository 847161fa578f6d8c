// Package emitter publishes controller lifecycle events to an MQTT broker.
//
// Events are encoded as JSON or msgpack and published to <topic>/<event>
// with QoS 1. Publishing never blocks the pipeline for longer than the
// publish timeout and failures are only counted.
package emitter
