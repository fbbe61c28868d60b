package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"keyline.org/internal/obs"
)

const serviceName = "keyline"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer implements grpc.health.v1.Health on top of the storage probe.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	interval  time.Duration
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	return &GRPCServer{readiness: r, interval: 5 * time.Second}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

func (s *GRPCServer) status(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if service != "" && service != serviceName {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN, status.Errorf(codes.NotFound, "unknown service %q", service)
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.Logger().Warn().Err(err).Msg("grpc health: backend not ready")
		return healthpb.HealthCheckResponse_NOT_SERVING, nil
	}
	obs.SetReady(true)
	return healthpb.HealthCheckResponse_SERVING, nil
}

// Check evaluates readiness of the whole server ("") or of "keyline".
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	st, err := s.status(ctx, req.GetService())
	if err != nil {
		return nil, err
	}
	return &healthpb.HealthCheckResponse{Status: st}, nil
}

// Watch polls readiness and streams every change until the client goes away.
func (s *GRPCServer) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	ctx := stream.Context()
	last := healthpb.HealthCheckResponse_UNKNOWN
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		st, err := s.status(ctx, req.GetService())
		if err != nil {
			// unknown services are reported, not rejected, on Watch
			st = healthpb.HealthCheckResponse_SERVICE_UNKNOWN
		}
		if st != last {
			if err := stream.Send(&healthpb.HealthCheckResponse{Status: st}); err != nil {
				return err
			}
			last = st
		}
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
}
