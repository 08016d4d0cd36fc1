package healthcheck

import (
	"context"
	"log/slog"
	"sync"
)

// Check is one named health probe.
type Check interface {
	Name() string
	Healthy(ctx context.Context) error
}

// CheckFunc adapts a function to Check.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                      { return c.CheckName }
func (c CheckFunc) Healthy(ctx context.Context) error { return c.Fn(ctx) }

// Registry aggregates health checks for the HTTP surface.
type Registry struct {
	mu     sync.RWMutex
	checks []Check
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a check.
func (r *Registry) Register(check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, check)
}

// Healthy runs every check and returns per-check failures. An empty map
// means all checks passed.
func (r *Registry) Healthy(ctx context.Context) map[string]string {
	r.mu.RLock()
	checks := make([]Check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	failures := make(map[string]string)
	for _, check := range checks {
		if err := check.Healthy(ctx); err != nil {
			slog.Warn("health check failed",
				"check", check.Name(),
				"error", err,
			)
			failures[check.Name()] = err.Error()
		}
	}
	return failures
}
