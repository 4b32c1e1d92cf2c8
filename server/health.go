package server

import (
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health exposes grpc.health.v1 for orchestration probes.
type Health struct {
	status *health.Server
	grpc   *grpc.Server
}

// NewHealth creates a health service reporting NOT_SERVING until SetServing.
func NewHealth() *Health {
	status := health.NewServer()
	status.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, status)
	return &Health{status: status, grpc: srv}
}

// Serve accepts probe connections on lis until Stop.
func (h *Health) Serve(lis net.Listener) error {
	log.Printf("[SERVER] gRPC health listening on %s", lis.Addr())
	return h.grpc.Serve(lis)
}

// SetServing flips the overall status.
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.status.SetServingStatus("", status)
}

// Stop reports NOT_SERVING to watchers and stops the gRPC server.
func (h *Health) Stop() {
	h.status.Shutdown()
	h.grpc.GracefulStop()
}
