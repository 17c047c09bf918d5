// Package circuitbreaker guards every external store the memory modules
// depend on (vector, graph, key-value, embedding provider, cache). An
// open breaker short-circuits calls so the retry envelope is not burned
// against a backend that is known to be down.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// IsOpen reports whether err is a breaker rejection (as opposed to a
// failure of the wrapped call itself).
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyRequests)
}

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ltm_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_circuit_breaker_requests_total",
			Help: "Total requests seen by each circuit breaker",
		},
		[]string{"name", "result"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// Config holds circuit breaker tuning.
type Config struct {
	MaxRequests      uint32        // probes admitted per half-open period
	Interval         time.Duration // closed-state failure window
	Timeout          time.Duration // open-state duration before half-open
	FailureThreshold uint32        // consecutive failures that open a closed breaker
	SuccessThreshold uint32        // consecutive successes that close a half-open breaker
	OnStateChange    func(name string, from, to State)
}

// Breaker is the three-state breaker shared by all store clients.
// Closed counts consecutive failures inside a rolling window; open
// rejects everything until the timeout elapses; half-open admits a
// bounded number of probes and closes again on a success streak.
type Breaker struct {
	name string
	cfg  Config
	log  *zap.Logger

	mu        sync.Mutex
	state     State
	epoch     uint64 // bumped on every transition; results from a prior epoch are dropped
	failures  uint32 // consecutive failures while closed
	successes uint32 // consecutive successes while half-open
	probes    uint32 // requests admitted during the current half-open period
	deadline  time.Time
}

// New creates a named circuit breaker in the closed state.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	b := &Breaker{
		name:     name,
		cfg:      cfg,
		log:      logger,
		state:    StateClosed,
		deadline: time.Now().Add(cfg.Interval),
	}
	breakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Execute runs fn when the breaker admits the request. A rejection
// returns ErrOpen or ErrTooManyRequests without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	epoch, err := b.admit(time.Now())
	if err != nil {
		breakerRequests.WithLabelValues(b.name, "rejected").Inc()
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.report(epoch, false)
			panic(r)
		}
	}()

	err = fn()
	b.report(epoch, err == nil)
	if err == nil {
		breakerRequests.WithLabelValues(b.name, "success").Inc()
	} else {
		breakerRequests.WithLabelValues(b.name, "failure").Inc()
	}
	return err
}

// State returns the current state, advancing an expired open period to
// half-open first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick(time.Now())
	return b.state
}

func (b *Breaker) admit(now time.Time) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick(now)

	switch b.state {
	case StateOpen:
		return b.epoch, ErrOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.MaxRequests {
			return b.epoch, ErrTooManyRequests
		}
		b.probes++
	}
	return b.epoch, nil
}

func (b *Breaker) report(epoch uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tick(now)
	if epoch != b.epoch {
		// The breaker moved on while this call was in flight.
		return
	}

	switch {
	case ok && b.state == StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed, now)
		}
	case ok:
		b.failures = 0
	case b.state == StateHalfOpen:
		b.transition(StateOpen, now)
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
		}
	}
}

// tick advances the time-driven transitions: an expired open period
// moves to half-open, an expired closed window forgets old failures.
func (b *Breaker) tick(now time.Time) {
	switch b.state {
	case StateOpen:
		if now.After(b.deadline) {
			b.transition(StateHalfOpen, now)
		}
	case StateClosed:
		if b.cfg.Interval > 0 && now.After(b.deadline) {
			b.failures = 0
			b.epoch++
			b.deadline = now.Add(b.cfg.Interval)
		}
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.epoch++
	b.failures, b.successes, b.probes = 0, 0, 0

	switch to {
	case StateOpen:
		b.deadline = now.Add(b.cfg.Timeout)
	case StateClosed:
		b.deadline = now.Add(b.cfg.Interval)
	default:
		b.deadline = time.Time{}
	}

	breakerTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(b.name).Set(float64(to))
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
	b.log.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
