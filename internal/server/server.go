package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/joshp123/robobridge/internal/core"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer wraps a gRPC server and listener. It serves the standard health
// service with one entry per plugin service, plus reflection.
type GRPCServer struct {
	Server   *grpc.Server
	Listener net.Listener
	Health   *health.Server
}

func NewGRPCServer(addr string) (*GRPCServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	return &GRPCServer{Server: s, Listener: ln, Health: hs}, nil
}

func (s *GRPCServer) Serve() error {
	return s.Server.Serve(s.Listener)
}

// Stop marks every service as not serving and drains the server.
func (s *GRPCServer) Stop() {
	s.Health.Shutdown()
	s.Server.GracefulStop()
}

// PollHealth copies plugin health into the health service until ctx ends.
// Plugins report overall health under their id and may report finer
// grained services through core.ServiceHealthReporter.
func PollHealth(ctx context.Context, hs *health.Server, plugins []core.Plugin, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	known := make(map[string]healthpb.HealthCheckResponse_ServingStatus)
	update := func() {
		for _, p := range plugins {
			status := healthpb.HealthCheckResponse_SERVING
			if p.Health() == core.HealthError {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			set(hs, known, p.ID(), status, logger)

			reporter, ok := p.(core.ServiceHealthReporter)
			if !ok {
				continue
			}
			for service, ready := range reporter.ServiceHealth() {
				status := healthpb.HealthCheckResponse_NOT_SERVING
				if ready {
					status = healthpb.HealthCheckResponse_SERVING
				}
				set(hs, known, service, status, logger)
			}
		}
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

func set(hs *health.Server, known map[string]healthpb.HealthCheckResponse_ServingStatus, service string, status healthpb.HealthCheckResponse_ServingStatus, logger *slog.Logger) {
	if prev, ok := known[service]; ok && prev == status {
		return
	}
	known[service] = status
	hs.SetServingStatus(service, status)
	logger.Info("service health changed", "service", service, "status", status.String())
}
