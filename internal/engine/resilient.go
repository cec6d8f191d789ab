package engine

import (
	"context"
	"errors"
	"time"

	"github.com/slok/goresilience"
	"github.com/slok/goresilience/circuitbreaker"
	gerrors "github.com/slok/goresilience/errors"
)

// ErrCircuitOpen is returned while the circuit breaker is rejecting calls
// to the provider.
var ErrCircuitOpen = errors.New("llm provider unavailable: circuit open")

// ErrTimeout is returned when a Generate call exceeds its time budget.
var ErrTimeout = errors.New("llm provider timed out")

// ResilienceConfig tunes the breaker and timeout around a Provider.
type ResilienceConfig struct {
	// Timeout bounds a single Generate call. Streams are bounded only by
	// the caller's context. Zero disables the timeout.
	Timeout                     time.Duration
	ErrorPercentThresholdToOpen int
	MinimumRequestToOpen        int
	WaitDurationInOpenState     time.Duration
}

// DefaultResilienceConfig returns the breaker settings used by serve.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Timeout:                     2 * time.Minute,
		ErrorPercentThresholdToOpen: 50,
		MinimumRequestToOpen:        10,
		WaitDurationInOpenState:     10 * time.Second,
	}
}

// Resilient guards a Provider with a circuit breaker, and Generate calls
// additionally with a timeout. Both paths share one breaker. A call that
// ends because the caller's context is done returns ctx.Err() and is not
// counted as a provider failure.
type Resilient struct {
	inner   Provider
	breaker goresilience.Runner
	timeout time.Duration
}

// NewResilient wraps p.
func NewResilient(p Provider, cfg ResilienceConfig) *Resilient {
	if cfg.ErrorPercentThresholdToOpen <= 0 {
		cfg.ErrorPercentThresholdToOpen = 50
	}
	if cfg.MinimumRequestToOpen <= 0 {
		cfg.MinimumRequestToOpen = 10
	}
	if cfg.WaitDurationInOpenState <= 0 {
		cfg.WaitDurationInOpenState = 10 * time.Second
	}

	return &Resilient{
		inner: p,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			ErrorPercentThresholdToOpen:        cfg.ErrorPercentThresholdToOpen,
			MinimumRequestToOpen:               cfg.MinimumRequestToOpen,
			SuccessfulRequiredOnHalfOpen:       1,
			WaitDurationInOpenState:            cfg.WaitDurationInOpenState,
			MetricsSlidingWindowBucketQuantity: 10,
			MetricsBucketDuration:              time.Second,
		}),
		timeout: cfg.Timeout,
	}
}

func (r *Resilient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	var ch <-chan Chunk
	err := r.run(ctx, func() error {
		var err error
		// The stream outlives Run, so it must hold the caller's context.
		ch, err = r.inner.Stream(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *Resilient) Generate(ctx context.Context, req Request) (string, error) {
	var out string
	err := r.run(ctx, func() error {
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		s, err := r.inner.Generate(callCtx, req)
		if err != nil {
			if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// run executes call through the breaker. Failures caused by the caller's
// context are reported to the breaker as successes.
func (r *Resilient) run(ctx context.Context, call func() error) error {
	var callErr error
	err := r.breaker.Run(ctx, func(context.Context) error {
		callErr = call()
		if callErr != nil && ctx.Err() != nil {
			return nil
		}
		return callErr
	})
	switch {
	case err == nil && callErr == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return mapErr(err)
	default:
		return callErr
	}
}

func mapErr(err error) error {
	if errors.Is(err, gerrors.ErrCircuitOpen) {
		return ErrCircuitOpen
	}
	return err
}
