// Package grpc serves the standard gRPC health service. The orchestrator
// service reports SERVING only while this node runs the scheduler, so load
// balancers and peers can find the active instance.
package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name of the scheduling role.
const ServiceName = "dbops.Orchestrator"

// Server wraps a gRPC server with a health service.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	leading  func() bool
	interval time.Duration
	logger   *slog.Logger
}

// NewServer creates a server. leading reports whether this node is scheduling.
func NewServer(leading func() bool, logger *slog.Logger) *Server {
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{
		grpc:     gs,
		health:   hs,
		leading:  leading,
		interval: time.Second,
		logger:   logger.With("component", "grpc-server"),
	}
}

// Refresh publishes the current scheduling role.
func (s *Server) Refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.leading() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.serve(ctx, lis)
}

func (s *Server) serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Refresh()
	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.Refresh()
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			s.logger.Info("gRPC server stopped")
			return nil
		}
	}
}
