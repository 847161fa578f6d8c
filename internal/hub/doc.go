// Package hub fans camera frames out to independent consumers.
//
// Every consumer owns a small bounded mailbox. Publish never waits for a
// consumer: when a mailbox is full the oldest pending frame is dropped and
// counted, so a slow consumer loses frames instead of stalling capture or its
// siblings. With the default capacity of one the latest frame wins.
//
// Frames reach each consumer in strictly increasing sequence order and at most
// once. Different consumers may see different subsets of frames.
package hub
