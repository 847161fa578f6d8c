package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oshokin/drone-marker/internal/logger"
	"github.com/oshokin/drone-marker/internal/status"
)

const (
	// partWriteTimeout drops an MJPEG or WebSocket client that cannot take one message in time.
	partWriteTimeout = 5 * time.Second
	// defaultPushInterval is the WebSocket snapshot period.
	defaultPushInterval = time.Second
)

// Source is the read-only view of the status store the server needs.
type Source interface {
	Snapshot() status.Snapshot
	Frame() (uint64, []byte)
	LastQRContent() string
}

// Options configure the server.
type Options struct {
	StreamFPS       int
	ShutdownTimeout time.Duration
	PushInterval    time.Duration
}

// Server serves the status and streaming endpoints.
type Server struct {
	source   Source
	opts     Options
	upgrader websocket.Upgrader

	// done ends long-lived streams before the HTTP server shuts down.
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a server reading from source.
func NewServer(source Source, opts Options) *Server {
	if opts.StreamFPS <= 0 {
		opts.StreamFPS = 30
	}

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	if opts.PushInterval <= 0 {
		opts.PushInterval = defaultPushInterval
	}

	return &Server{
		source: source,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /video_feed", s.videoFeedHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /qr_content", s.qrContentHandler)
	mux.HandleFunc("GET /ws/status", s.wsStatusHandler)

	return mux
}

// Serve serves on listener until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	ctx = logger.WithName(ctx, "http")

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)

	go func() {
		logger.InfoKV(ctx, "Status server listening", "address", listener.Addr().String())
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	s.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()

		return fmt.Errorf("shutdown http: %w", err)
	}

	logger.Info(ctx, "Status server stopped")

	return nil
}

// Close ends open streams. Serve calls it on shutdown.
func (s *Server) Close() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Snapshot())
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "running",
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
	})
}

// QRContentResponse carries the last decoded payload.
type QRContentResponse struct {
	QRContent string `json:"qr_content"`
}

func (s *Server) qrContentHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, QRContentResponse{QRContent: s.source.LastQRContent()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(v)
}
