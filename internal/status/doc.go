// Package status holds the StatusSnapshot shared between the pipeline and the
// external read-only surfaces (HTTP, WebSocket, gRPC).
//
// Writers change the snapshot inside Update, under one lock, so readers never
// observe half of an update. Readers always receive copies.
package status
