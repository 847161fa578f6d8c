package telemetry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/oshokin/drone-marker/internal/domain/action"
	domain "github.com/oshokin/drone-marker/internal/status"
)

// fakeSource returns a fixed snapshot.
type fakeSource struct {
	snapshot domain.Snapshot
}

func (f *fakeSource) Snapshot() domain.Snapshot { return f.snapshot }

func testSnapshot() domain.Snapshot {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	return domain.Snapshot{
		RunID:          "run-1",
		State:          "triggered",
		MarkerCount:    8,
		TargetFrames:   8,
		FramesCaptured: 120,
		LastQRContent:  "SCANNED",
		LastFrameSeq:   120,
		StartedAt:      now,
		UpdatedAt:      now,
		Action: &action.Result{
			TriggerSeq: 120,
			ServoOK:    true,
			RTLSent:    true,
			RTLAcked:   true,
		},
	}
}

// TestServer_GetStatus verifies snapshot fields are exposed through the Struct.
func TestServer_GetStatus(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeSource{snapshot: testSnapshot()})

	resp, err := s.GetStatus(context.Background(), new(emptypb.Empty))
	require.NoError(t, err)

	fields := resp.AsMap()
	require.Equal(t, "run-1", fields["run_id"])
	require.Equal(t, "triggered", fields["state"])
	require.InDelta(t, 8, fields["marker_count"], 0)
	require.Equal(t, "SCANNED", fields["last_qr_content"])

	act, ok := fields["action"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, act["rtl_acked"])
}

// TestServer_GetStatus_NoSource verifies a missing source reports Unavailable.
func TestServer_GetStatus_NoSource(t *testing.T) {
	t.Parallel()

	_, err := NewServer(nil).GetStatus(context.Background(), new(emptypb.Empty))
	require.Equal(t, codes.Unavailable, status.Code(err))
}

// TestServe_Roundtrip exercises StatusService and health over an in-memory connection.
func TestServe_Roundtrip(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- Serve(ctx, lis, &fakeSource{snapshot: testSnapshot()}) }()

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	resp, err := NewStatusServiceClient(conn).GetStatus(callCtx, new(emptypb.Empty))
	require.NoError(t, err)
	require.Equal(t, "run-1", resp.AsMap()["run_id"])

	health, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, health.GetStatus())

	cancel()

	select {
	case err = <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "server did not stop")
	}
}
