package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Checker is a dependency that can report its health.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error {
	return f(ctx)
}

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex

	last   map[string]error
	lastMu sync.Mutex

	logger *zap.SugaredLogger
}

type HealthCheck struct {
	Name    string
	Checker Checker
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s HealthStatus) Healthy() bool {
	return s.Status == StatusHealthy
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
		last:   make(map[string]error),
		logger: logger,
	}
}

func (h *HealthChecker) AddCheck(name string, checker Checker, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	h.checks = append(h.checks, HealthCheck{
		Name:    name,
		Checker: checker,
		Timeout: timeout,
	})
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, check := range checks {
		err := h.run(ctx, check)
		if err != nil {
			status.Status = StatusUnhealthy
			status.Checks[check.Name] = err.Error()
		} else {
			status.Checks[check.Name] = StatusHealthy
		}
	}

	return status
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) error {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	err := check.Checker.Check(checkCtx)
	h.record(check.Name, err)
	return err
}

// record logs transitions between healthy and unhealthy.
func (h *HealthChecker) record(name string, err error) {
	h.lastMu.Lock()
	prev, seen := h.last[name]
	h.last[name] = err
	h.lastMu.Unlock()

	switch {
	case err != nil && (!seen || prev == nil):
		h.logger.Warnw("health check failing", "check", name, "error", err)
	case err == nil && seen && prev != nil:
		h.logger.Infow("health check recovered", "check", name)
	}
}

// StartBackgroundChecks runs every check each interval until ctx is done.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.CheckAll(ctx)
			}
		}
	}()
}
