package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecutorRetriesThenSucceeds(t *testing.T) {
	retry := NewRetryPolicy(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Strategy: StrategyFixed})
	breaker := NewCircuitBreaker(CircuitBreakerConfig{Name: "exec-test", FailureThreshold: 5, SuccessThreshold: 1, OpenDuration: time.Second})
	exec := NewExecutor(retry, breaker)

	calls := 0
	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if exec.BreakerState() != BreakerClosed {
		t.Errorf("breaker state = %v, want closed (retry succeeded within one outer call)", exec.BreakerState())
	}
}

func TestExecutorRetryExhaustionCountsAsOneBreakerFailure(t *testing.T) {
	retry := NewRetryPolicy(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Strategy: StrategyFixed})
	breaker := NewCircuitBreaker(CircuitBreakerConfig{Name: "exec-test-2", FailureThreshold: 2, SuccessThreshold: 1, OpenDuration: time.Second})
	exec := NewExecutor(retry, breaker)

	// First outer call: 3 inner attempts, all fail -> breaker sees 1 failure.
	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if exec.BreakerState() != BreakerClosed {
		t.Errorf("breaker state after first exhausted call = %v, want closed (threshold is 2)", exec.BreakerState())
	}

	// Second outer call exhausts again -> breaker's 2nd consecutive failure -> opens.
	_ = exec.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("still failing")
	})
	if exec.BreakerState() != BreakerOpen {
		t.Errorf("breaker state after second exhausted call = %v, want open", exec.BreakerState())
	}
}
