package resilience

import "context"

// Executor composes a RetryPolicy inside a CircuitBreaker so that
// retry exhaustion counts as exactly one failure against the breaker,
// not one per inner attempt (spec §4.2 Composition).
type Executor struct {
	retry   *RetryPolicy
	breaker *CircuitBreaker
}

// NewExecutor builds a resilient executor from a retry policy and a
// circuit breaker, both already configured for a given peer or
// logical service name.
func NewExecutor(retry *RetryPolicy, breaker *CircuitBreaker) *Executor {
	return &Executor{retry: retry, breaker: breaker}
}

// Execute runs fn under the breaker, with retries applied inside a
// single breaker-counted call.
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.breaker.Execute(func() error {
		return e.retry.Do(ctx, fn)
	})
}

// ExecuteWithObserver behaves like Execute, but reports every retried
// (non-final) attempt failure to onAttemptFailure. Used by job
// handlers to keep a job's retry_count current while a wire call is
// still being retried (spec §4.5.6).
func (e *Executor) ExecuteWithObserver(ctx context.Context, fn func(ctx context.Context) error, onAttemptFailure func(err error)) error {
	return e.breaker.Execute(func() error {
		return e.retry.DoWithObserver(ctx, fn, onAttemptFailure)
	})
}

// BreakerState exposes the underlying breaker's current state for
// health reporting and metrics.
func (e *Executor) BreakerState() BreakerState {
	return e.breaker.State()
}
