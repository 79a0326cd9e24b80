// Package server exposes controller readiness over the standard gRPC health
// protocol so an external scheduler can route requests to idle instances.
//
// The controller's own service reports SERVING while its head stage would
// accept a request immediately and NOT_SERVING while it is busy or closed.
// The overall ("") service stays SERVING until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = slog.Default()

// ServiceName is the health service name of the controller.
const ServiceName = "extractfanout.Controller"

// DefaultPollInterval is how often readiness is re-read.
const DefaultPollInterval = 100 * time.Millisecond

// ReadinessSource reports whether new work would be accepted now.
// *controller.Controller implements it.
type ReadinessSource interface {
	Ready() bool
}

// Server publishes a ReadinessSource through grpc.health.v1.
type Server struct {
	src      ReadinessSource
	health   *health.Server
	grpc     *grpc.Server
	interval time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithPollInterval sets how often readiness is re-read.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New creates a Server for src.
func New(src ReadinessSource, opts ...Option) *Server {
	s := &Server{
		src:      src,
		health:   health.NewServer(),
		grpc:     grpc.NewServer(),
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.sync()
	return s
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()
	log.Info("Health server listening", "addr", lis.Addr().String(), "service", ServiceName)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			log.Info("Health server stopped")
			return nil
		case <-ticker.C:
			s.sync()
		}
	}
}

// sync publishes the current readiness.
func (s *Server) sync() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.src != nil && s.src.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Check asks the health server at addr for the status of service.
func Check(ctx context.Context, addr, service string, opts ...grpc.DialOption) (*healthpb.HealthCheckResponse, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("health check %s: %w", addr, err)
	}
	return resp, nil
}
