// Package resilience implements the retry policy and circuit breaker
// described in spec §4.2, composed into a single resilient executor
// used by every wire call in the job handlers (§4.5.5).
package resilience

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Strategy selects the backoff curve used between retry attempts,
// generalized from the original C++ RetryStrategy enum
// (_examples/original_source/common/network/retry_policy.h).
type Strategy string

const (
	StrategyFixed             Strategy = "fixed"
	StrategyLinear            Strategy = "linear"
	StrategyExponential       Strategy = "exponential"
	StrategyExponentialJitter Strategy = "exponential_jitter"
	StrategyFibonacci         Strategy = "fibonacci"
)

// RetryConfig configures a RetryPolicy (spec §4.2 Retry Policy).
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	Jitter          float64
	Strategy        Strategy
	RetryablePatterns []string // substring match against err.Error(); empty means retry everything
}

// RetryPolicy retries a fallible function using the configured backoff
// curve, capped at MaxDelay.
type RetryPolicy struct {
	cfg RetryConfig
	rng *rand.Rand
}

// NewRetryPolicy constructs a RetryPolicy from cfg.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	return &RetryPolicy{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// isRetryable reports whether err matches any configured pattern. An
// empty pattern list retries every error, matching the original's
// RetryConfig::isRetryable when retryableErrors is empty.
func (p *RetryPolicy) isRetryable(err error) bool {
	if len(p.cfg.RetryablePatterns) == 0 {
		return true
	}
	msg := err.Error()
	for _, pattern := range p.cfg.RetryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// delay computes the backoff before attempt n (1-indexed), per spec
// §4.2's five strategy formulas, capped at MaxDelay.
func (p *RetryPolicy) delay(attempt int) time.Duration {
	var d time.Duration
	initial := p.cfg.InitialDelay

	switch p.cfg.Strategy {
	case StrategyFixed:
		d = initial
	case StrategyLinear:
		d = initial * time.Duration(attempt)
	case StrategyExponential:
		d = time.Duration(float64(initial) * math.Pow(p.cfg.Multiplier, float64(attempt-1)))
	case StrategyExponentialJitter:
		base := float64(initial) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
		factor := 1 - p.cfg.Jitter + p.rng.Float64()*2*p.cfg.Jitter
		d = time.Duration(base * factor)
	case StrategyFibonacci:
		d = time.Duration(fibonacci(attempt)) * initial
	default:
		d = initial
	}

	if p.cfg.MaxDelay > 0 && d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// fibonacci returns fib(n) with fib(1)=fib(2)=1, matching the original
// implementation's convention of treating the first two attempts as
// equal-delay.
func fibonacci(n int) int64 {
	if n <= 2 {
		return 1
	}
	var a, b int64 = 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

// Do runs fn, retrying on retryable errors up to MaxAttempts, sleeping
// the computed delay between attempts. It returns immediately on
// success, on a non-retryable error, or if ctx is canceled.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.DoWithObserver(ctx, fn, nil)
}

// DoWithObserver behaves like Do, but additionally invokes
// onAttemptFailure after every attempt that failed and will be
// retried (never after the last attempt). The job manager uses this
// to keep a job's retry_count and error fields current while a
// handler's wire call is still being retried, without itself
// transitioning the job out of running (spec §4.5.6: "persistence
// records retry_count and the latest error" between retries, distinct
// from the terminal failed/queued state transition).
func (p *RetryPolicy) DoWithObserver(ctx context.Context, fn func(ctx context.Context) error, onAttemptFailure func(err error)) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !p.isRetryable(lastErr) {
			return lastErr
		}

		if attempt >= p.cfg.MaxAttempts {
			break
		}

		if onAttemptFailure != nil {
			onAttemptFailure(lastErr)
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}
