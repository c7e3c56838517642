// Package grpc exposes the standard gRPC health service for the evolution
// engine, with server reflection enabled.
package grpc

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service name reporting population readiness.
const ServiceName = "freqevolve.v1.Evolution"

// ReadyFunc reports whether the engine holds a population.
type ReadyFunc func() bool

// Server serves gRPC health checks.
type Server struct {
	ready  ReadyFunc
	health *health.Server
	logger *zap.Logger

	grpcServer *grpc.Server
}

// NewServer creates a new gRPC server.
func NewServer(ready ReadyFunc, logger *zap.Logger) *Server {
	s := &Server{
		ready:  ready,
		health: health.NewServer(),
		logger: logger,
	}

	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.refresh()
	return s
}

// Start starts the gRPC server.
func (s *Server) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server starting", zap.String("address", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// WatchReadiness updates the evolution service status every interval until
// ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

// refresh sets the evolution service status from the ready func.
func (s *Server) refresh() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.ready != nil && s.ready() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// logUnary logs failed unary calls.
func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("gRPC call failed",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}
	return resp, err
}
