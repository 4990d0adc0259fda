package synth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/ent0n29/studio/internal/observability"
	"github.com/ent0n29/studio/internal/tasks"
)

// WithTimeout bounds every call to s by d. A call that runs out of time
// fails as retryable; cancellation of the caller's ctx is passed through
// unchanged.
func WithTimeout(s Synthesizer, d time.Duration) Synthesizer {
	if d <= 0 {
		return s
	}
	return Func(func(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		res, err := s.Synthesize(callCtx, prompt, params)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return tasks.Result{}, Fail("synthesis timed out", true, err)
		}
		return res, err
	})
}

// RateLimited waits on limiter before each call.
func RateLimited(s Synthesizer, limiter *rate.Limiter) Synthesizer {
	if limiter == nil {
		return s
	}
	return Func(func(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error) {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return tasks.Result{}, ctx.Err()
			}
			return tasks.Result{}, Fail("RATE_LIMIT", true, err)
		}
		return s.Synthesize(ctx, prompt, params)
	})
}

// Instrumented records latency and failures of s under provider.
func Instrumented(s Synthesizer, provider string, metrics *observability.Metrics) Synthesizer {
	if metrics == nil {
		return s
	}
	return Func(func(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error) {
		start := time.Now()
		res, err := s.Synthesize(ctx, prompt, params)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			_, retryable := Describe(err)
			metrics.ObserveProviderError(provider, retryable)
		}
		metrics.ObserveSynthesis(provider, outcome, time.Since(start))
		return res, err
	})
}
