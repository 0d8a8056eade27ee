package telemetry

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreHealth reports the user store state through the gRPC health service
// and the store_up gauge. A failing store is surfaced, never papered over.
type StoreHealth struct {
	Store   Pinger
	Health  *health.Server
	Service string
	Timeout time.Duration

	up *bool
}

// Check pings the store once and publishes the result. It reports whether the store is up.
func (h *StoreHealth) Check(ctx context.Context) bool {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := h.Store.Ping(ctx)
	up := err == nil

	switch {
	case !up:
		slog.ErrorContext(ctx, "telemetry: user store unavailable, serving degraded", "error", err)
	case h.up != nil && !*h.up:
		slog.InfoContext(ctx, "telemetry: user store recovered")
	}
	h.up = &up

	status := healthpb.HealthCheckResponse_SERVING
	gauge := 1.0
	if !up {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		gauge = 0
	}

	h.Health.SetServingStatus(h.Service, status)
	h.Health.SetServingStatus("", status)
	StoreUp.Set(gauge)

	return up
}

// Watch runs Check every interval until ctx is done.
func (h *StoreHealth) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		h.Check(ctx)

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
