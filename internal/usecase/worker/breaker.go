package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"dispatchd/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the per-type circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the
	// circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing
	// failure counts. 0 means failures never reset until the circuit opens.
	Interval time.Duration `yaml:"interval"`
}

// BreakerRunner wraps a Runner with a circuit breaker. When the wrapped
// core logic fails repeatedly, subsequent executions fail fast without
// invoking it, so a broken worker type cannot burn its whole retry
// budget against a dead dependency.
type BreakerRunner struct {
	typ     domain.WorkerType
	inner   domain.Runner
	breaker *gobreaker.CircuitBreaker[[]domain.Artifact]
}

// NewBreakerRunner wraps inner with a circuit breaker named after the
// worker type. Zero-valued config fields fall back to defaults.
func NewBreakerRunner(typ domain.WorkerType, inner domain.Runner, cfg BreakerConfig, logger *slog.Logger) *BreakerRunner {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[[]domain.Artifact](gobreaker.Settings{
		Name:        "worker:" + string(typ),
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &BreakerRunner{typ: typ, inner: inner, breaker: cb}
}

// Execute implements domain.Runner, routing the call through the breaker.
func (r *BreakerRunner) Execute(ctx context.Context, task *domain.Task) ([]domain.Artifact, error) {
	artifacts, err := r.breaker.Execute(func() ([]domain.Artifact, error) {
		return r.inner.Execute(ctx, task)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewDomainError("BreakerRunner.Execute", domain.ErrExecFailed,
				"circuit open for "+string(r.typ))
		}
		return nil, err
	}
	return artifacts, nil
}

// Validate delegates to the inner runner's pre-flight check when it has
// one; otherwise every task passes.
func (r *BreakerRunner) Validate(task *domain.Task) bool {
	if v, ok := r.inner.(domain.Validator); ok {
		return v.Validate(task)
	}
	return true
}

// Plan delegates to the inner runner's planner when it has one.
func (r *BreakerRunner) Plan(task *domain.Task) []domain.PlanStep {
	if p, ok := r.inner.(domain.Planner); ok {
		return p.Plan(task)
	}
	return nil
}

// State returns the breaker state for monitoring.
func (r *BreakerRunner) State() gobreaker.State { return r.breaker.State() }

// Compile-time interface checks.
var (
	_ domain.Runner    = (*BreakerRunner)(nil)
	_ domain.Validator = (*BreakerRunner)(nil)
	_ domain.Planner   = (*BreakerRunner)(nil)
)
