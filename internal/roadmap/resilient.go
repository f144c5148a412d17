package roadmap

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff for roadmap calls.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	// BreakerFailures is how many consecutive failures open the circuit.
	BreakerFailures uint32
	// BreakerTimeout is how long the circuit stays open before probing.
	BreakerTimeout time.Duration
}

// DefaultRetryConfig returns the default retry and breaker settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
		Multiplier:      2.0,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Resilient wraps a Roadmap, typically a remote one, with retries and a circuit breaker.
// Validation errors such as ErrModuleNotFound are not retried.
type Resilient struct {
	inner   Roadmap
	cfg     RetryConfig
	breaker *gobreaker.CircuitBreaker
}

// NewResilient wraps inner.
func NewResilient(inner Roadmap, cfg RetryConfig) *Resilient {
	def := DefaultRetryConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = def.MaxElapsedTime
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "roadmap",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[roadmap] circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return &Resilient{inner: inner, cfg: cfg, breaker: breaker}
}

// State returns the circuit breaker state.
func (r *Resilient) State() gobreaker.State {
	return r.breaker.State()
}

func (r *Resilient) GetRoadmap(ctx context.Context) ([]Module, error) {
	return call(ctx, r, r.inner.GetRoadmap)
}

func (r *Resilient) GetNextAvailableModules(ctx context.Context) ([]Module, error) {
	return call(ctx, r, r.inner.GetNextAvailableModules)
}

func (r *Resilient) CalculateLeverageScores(ctx context.Context) ([]LeverageScore, error) {
	return call(ctx, r, r.inner.CalculateLeverageScores)
}

func (r *Resilient) UpdateModuleStatus(ctx context.Context, moduleID string, status ModuleStatus) error {
	_, err := call(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.UpdateModuleStatus(ctx, moduleID, status)
	})
	return err
}

// isPermanent reports errors a retry cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrModuleNotFound)
}

func call[T any](ctx context.Context, r *Resilient, fn func(context.Context) (T, error)) (T, error) {
	var result T
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		v, err := r.breaker.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
				isPermanent(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = v.(T)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialInterval
	policy.MaxInterval = r.cfg.MaxInterval
	policy.MaxElapsedTime = r.cfg.MaxElapsedTime
	policy.Multiplier = r.cfg.Multiplier

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return result, err
}

// Verify Resilient implements Roadmap at compile time.
var _ Roadmap = (*Resilient)(nil)
