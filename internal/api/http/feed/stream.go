package feed

import (
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oshokin/drone-marker/internal/logger"
)

const (
	// mjpegBoundary separates JPEG parts in the video feed.
	mjpegBoundary = "frame"
	// frameSeqHeader carries the sequence number of the frame in a part.
	frameSeqHeader = "X-Frame-Seq"
)

// videoFeedHandler streams the latest frame at the configured rate until the
// client leaves or the server stops. The current frame is resent on every
// tick, so a part is always terminated by the next boundary.
func (s *Server) videoFeedHandler(w http.ResponseWriter, r *http.Request) {
	ctx := logger.WithKV(r.Context(), "remote", r.RemoteAddr)
	rc := http.NewResponseController(w)

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(mjpegBoundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.StreamFPS))
	defer ticker.Stop()

	logger.DebugKV(ctx, "Video feed client connected")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		seq, data := s.source.Frame()
		if data == nil {
			continue
		}

		_ = rc.SetWriteDeadline(time.Now().Add(partWriteTimeout))

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(data))},
			frameSeqHeader:   {strconv.FormatUint(seq, 10)},
		})
		if err != nil {
			return
		}

		if _, err = part.Write(data); err != nil {
			logger.DebugKV(ctx, "Video feed client dropped", "error", err)

			return
		}

		if err = rc.Flush(); err != nil {
			return
		}
	}
}

// wsStatusHandler pushes the JSON snapshot on a fixed period.
func (s *Server) wsStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := logger.WithKV(r.Context(), "remote", r.RemoteAddr)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.DebugKV(ctx, "WebSocket upgrade failed", "error", err)

		return
	}
	defer conn.Close()

	// The read side only detects the client going away.
	gone := make(chan struct{})

	go func() {
		defer close(gone)

		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.PushInterval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(partWriteTimeout))

		if err = conn.WriteJSON(s.source.Snapshot()); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.DebugKV(ctx, "WebSocket client dropped", "error", err)
			}

			return
		}

		select {
		case <-gone:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))

			return
		case <-ticker.C:
		}
	}
}
