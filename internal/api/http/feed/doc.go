// Package feed implements the status and streaming HTTP server.
//
// Every handler only reads from the status store. A slow client can receive
// stale frames or miss some, but it never holds a lock the pipeline needs.
//
// Routes:
//
//	GET /video_feed   multipart/x-mixed-replace MJPEG stream, current frame every tick
//	GET /status       JSON snapshot
//	GET /health       liveness only
//	GET /qr_content   last decoded payload
//	GET /ws/status    WebSocket pushing the JSON snapshot once a second
package feed
