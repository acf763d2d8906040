package httpapi

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sitecms.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer publishes readiness over the standard grpc.health.v1 service, both
// for the whole server ("") and for obs.ServiceName.
type HealthServer struct {
	*health.Server
	readiness readinessChecker
	log       zerolog.Logger
}

func NewHealthServer(r readinessChecker, log zerolog.Logger) *HealthServer {
	h := &HealthServer{Server: health.NewServer(), readiness: r, log: log}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to srv.
func (h *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.Server)
}

// Refresh runs the readiness check once and updates the served status.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	err := h.readiness.Check(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("grpc readiness check failed")
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return true
}

// Run refreshes every interval until ctx is done, then marks the service as shutting down.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		h.Refresh(checkCtx)
		cancel()
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus("", status)
	h.SetServingStatus(obs.ServiceName, status)
}
