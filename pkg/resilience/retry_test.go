package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicySucceedsOnFirstAttempt(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Strategy: StrategyFixed})
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicyRetriesRetryableError(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Strategy: StrategyFixed})
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, Strategy: StrategyFixed})
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryPolicyNonRetryablePropagatesImmediately(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      time.Millisecond,
		Strategy:          StrategyFixed,
		RetryablePatterns: []string{"timeout"},
	})
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("access denied")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-retryable should not retry)", calls)
	}
}

func TestRetryPolicyContextCancellation(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, Strategy: StrategyFixed})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if calls > 2 {
		t.Errorf("calls = %d, expected cancellation to cut retries short", calls)
	}
}

func TestDelayStrategies(t *testing.T) {
	initial := 100 * time.Millisecond

	fixed := NewRetryPolicy(RetryConfig{InitialDelay: initial, Strategy: StrategyFixed, MaxDelay: time.Hour})
	if d := fixed.delay(5); d != initial {
		t.Errorf("fixed delay(5) = %v, want %v", d, initial)
	}

	linear := NewRetryPolicy(RetryConfig{InitialDelay: initial, Strategy: StrategyLinear, MaxDelay: time.Hour})
	if d := linear.delay(3); d != 3*initial {
		t.Errorf("linear delay(3) = %v, want %v", d, 3*initial)
	}

	exp := NewRetryPolicy(RetryConfig{InitialDelay: initial, Strategy: StrategyExponential, Multiplier: 2, MaxDelay: time.Hour})
	if d := exp.delay(3); d != 4*initial {
		t.Errorf("exponential delay(3) = %v, want %v", d, 4*initial)
	}

	fib := NewRetryPolicy(RetryConfig{InitialDelay: initial, Strategy: StrategyFibonacci, MaxDelay: time.Hour})
	tests := []struct {
		attempt int
		wantFib int64
	}{{1, 1}, {2, 1}, {3, 2}, {4, 3}, {5, 5}, {6, 8}}
	for _, tt := range tests {
		if d := fib.delay(tt.attempt); d != time.Duration(tt.wantFib)*initial {
			t.Errorf("fibonacci delay(%d) = %v, want %v", tt.attempt, d, time.Duration(tt.wantFib)*initial)
		}
	}

	capped := NewRetryPolicy(RetryConfig{InitialDelay: initial, Strategy: StrategyLinear, MaxDelay: initial})
	if d := capped.delay(10); d != initial {
		t.Errorf("capped delay(10) = %v, want %v", d, initial)
	}
}
