package grpc

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func dial(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestServer_HealthFollowsReadiness(t *testing.T) {
	var ready atomic.Bool
	s := NewServer(ready.Load, zaptest.NewLogger(t))
	client := dial(t, s)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	ready.Store(true)
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.WatchReadiness(watchCtx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 10*time.Millisecond)
}

func TestServer_UnknownService(t *testing.T) {
	s := NewServer(nil, zaptest.NewLogger(t))
	client := dial(t, s)

	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
