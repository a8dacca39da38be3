package internal

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Pinger is implemented by stores that can check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus is the outcome of one component check.
type HealthStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CheckHealth pings every component that implements Pinger. Components
// without a backend to check are reported as "ok".
// timeout may be 0 to use a default of 5s.
func CheckHealth(ctx context.Context, timeout time.Duration, components map[string]any) ([]HealthStatus, bool) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	out := make([]HealthStatus, 0, len(names))
	for _, name := range names {
		status := HealthStatus{Name: name, Status: "ok"}
		if p, ok := components[name].(Pinger); ok {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := p.Ping(pctx)
			cancel()
			if err != nil {
				healthy = false
				status.Status = "unavailable"
				status.Error = err.Error()
				zap.S().Warnw("health check failed", "component", name, "error", err)
			}
		}
		out = append(out, status)
	}
	return out, healthy
}
