package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/drone-marker/internal/logger"
	domain "github.com/oshokin/drone-marker/internal/status"
)

// Source provides the status snapshot the transport exposes.
type Source interface {
	Snapshot() domain.Snapshot
}

// Server implements StatusService.
type Server struct {
	// source provides the live status of the controller.
	source Source
}

// NewServer wires the provided source into a gRPC handler.
func NewServer(source Source) *Server {
	return &Server{
		source: source,
	}
}

// GetStatus returns the current snapshot as a Struct.
func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.source == nil {
		return nil, status.Error(codes.Unavailable, "status is not available")
	}

	snapshot := s.source.Snapshot()

	result, err := structpb.NewStruct(snapshot.Fields())
	if err != nil {
		return nil, status.Error(codes.Internal, "unable to encode status")
	}

	return result, nil
}

// Serve runs StatusService and the health service on lis until ctx is done.
// Health reports SERVING while running and NOT_SERVING once shutdown starts.
func Serve(ctx context.Context, lis net.Listener, source Source) error {
	ctx = logger.WithName(ctx, "grpc")

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()

	RegisterStatusServiceServer(grpcServer, NewServer(source))
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	logger.InfoKV(ctx, "gRPC status server listening", "listen_address", lis.Addr().String())

	// Done channel is closed after GracefulStop finishes so Serve returns
	// only once the server has fully stopped.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down gRPC server")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		close(done)
	}()

	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}

	<-done
	logger.Info(ctx, "GRPC server stopped")

	return nil
}

// Run listens on address and serves until ctx is done.
func Run(ctx context.Context, address string, source Source) error {
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	return Serve(ctx, lis, source)
}
