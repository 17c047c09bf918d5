package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// checkTimeout bounds each individual probe.
const checkTimeout = 2 * time.Second

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

type pingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func (c pingChecker) Name() string                    { return c.name }
func (c pingChecker) Check(ctx context.Context) error { return c.ping(ctx) }

// NewChecker adapts a store's Ping method into a Checker.
func NewChecker(name string, ping func(ctx context.Context) error) Checker {
	return pingChecker{name: name, ping: ping}
}

// ComponentStatus is one dependency's probe outcome.
type ComponentStatus struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Report is the aggregate health snapshot.
type Report struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Manager runs registered checkers and aggregates their results. All
// dependencies must pass for the service to report healthy.
type Manager struct {
	log *zap.Logger

	mu       sync.RWMutex
	checkers []Checker
}

// NewManager returns an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{log: logger}
}

// Register adds a checker. Registration is not concurrency-sensitive in
// practice; it happens during startup wiring.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Check probes every dependency in parallel, each under its own
// timeout.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	report := Report{
		Status:     "ok",
		Components: make(map[string]ComponentStatus, len(checkers)),
		CheckedAt:  time.Now().UTC(),
	}

	type outcome struct {
		name    string
		status  ComponentStatus
		healthy bool
	}
	results := make(chan outcome, len(checkers))
	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(probeCtx)
			status := ComponentStatus{
				Status:    "up",
				LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
			}
			if err != nil {
				status.Status = "down"
				status.Error = err.Error()
			}
			results <- outcome{name: c.Name(), status: status, healthy: err == nil}
		}(c)
	}
	wg.Wait()
	close(results)

	for r := range results {
		report.Components[r.name] = r.status
		if !r.healthy {
			report.Status = "degraded"
			m.log.Warn("Health check failed",
				zap.String("component", r.name),
				zap.String("error", r.status.Error))
		}
	}
	return report
}

// Healthy reports whether every dependency passed.
func (m *Manager) Healthy(ctx context.Context) bool {
	return m.Check(ctx).Status == "ok"
}

// Handler serves the health report: 200 when every dependency is up,
// 503 otherwise. The endpoint is unauthenticated.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := m.Check(r.Context())
		code := http.StatusOK
		if report.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			m.log.Debug("health response write failed", zap.Error(err))
		}
	}
}
