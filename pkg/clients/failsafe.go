// Package clients holds the failsafe-go policies shared by outbound
// platform calls.
package clients

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"frameworks/pkg/logging"
)

// CircuitBreakerState mirrors the failsafe-go breaker states for logs and metrics.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
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

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = circuitbreaker.ErrOpen

type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string

	// The breaker opens once FailureThreshold of the last Window executions failed.
	FailureThreshold uint
	Window           uint

	// Delay is how long the breaker stays open before half-opening.
	Delay time.Duration

	// SuccessThreshold successes in half-open close the breaker again.
	SuccessThreshold uint

	// IsFailure decides which errors count against the breaker. Nil counts every error.
	IsFailure func(err error) bool

	Logger        logging.Logger
	OnStateChange func(name string, from, to CircuitBreakerState)
}

func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		Window:           10,
		Delay:            15 * time.Second,
		SuccessThreshold: 1,
	}
}

// NewCircuitBreaker builds a typed failsafe-go breaker from cfg, filling
// zero fields from DefaultCircuitBreakerConfig.
func NewCircuitBreaker[T any](cfg CircuitBreakerConfig) circuitbreaker.CircuitBreaker[T] {
	def := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = "circuit-breaker"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window < cfg.FailureThreshold {
		cfg.Window = max(def.Window, cfg.FailureThreshold)
	}
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}

	builder := circuitbreaker.NewBuilder[T]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.Window).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(cfg.SuccessThreshold)
	if cfg.IsFailure != nil {
		isFailure := cfg.IsFailure
		builder = builder.HandleIf(func(_ T, err error) bool { return err != nil && isFailure(err) })
	}

	if cfg.Logger != nil || cfg.OnStateChange != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from, to := convertState(event.OldState), convertState(event.NewState)
			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"circuit_breaker": cfg.Name,
					"from_state":      from.String(),
					"to_state":        to.String(),
				}).Warn("circuit breaker state change")
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, from, to)
			}
		})
	}

	return builder.Build()
}

func convertState(state circuitbreaker.State) CircuitBreakerState {
	switch state {
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// RetryConfig bounds a retry policy. MaxRetries counts retries after the
// first attempt.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// ShouldRetry filters retryable errors. Nil retries every error.
	ShouldRetry func(err error) bool
}

func normalizeRetryConfig(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return cfg
}

// NewRetryPolicy returns a jittered exponential-backoff policy that hands
// back the last error once retries are exhausted.
func NewRetryPolicy[T any](cfg RetryConfig) retrypolicy.RetryPolicy[T] {
	cfg = normalizeRetryConfig(cfg)
	shouldRetry := cfg.ShouldRetry
	return retrypolicy.NewBuilder[T]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			if err == nil {
				return false
			}
			return shouldRetry == nil || shouldRetry(err)
		}).
		ReturnLastFailure().
		Build()
}

// Execute runs fn through policies, outermost first, bound to ctx.
func Execute[T any](ctx context.Context, fn func(ctx context.Context) (T, error), policies ...failsafe.Policy[T]) (T, error) {
	if len(policies) == 0 {
		return fn(ctx)
	}
	return failsafe.With(policies...).WithContext(ctx).Get(func() (T, error) {
		return fn(ctx)
	})
}
