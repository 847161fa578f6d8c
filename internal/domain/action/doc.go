// Package action contains the record of the one-shot action sequence.
//
// Result captures what the sequencer did after the marker was confirmed, with
// Clone helpers to avoid leaking internal references.
package action
