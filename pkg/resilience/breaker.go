package resilience

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/kcenon/pacs-system-sub002/pkg/log"
	"github.com/kcenon/pacs-system-sub002/pkg/metrics"
)

// BreakerState mirrors the closed/open/half_open states of spec §4.2,
// independent of gobreaker's own State type so call sites outside this
// package never import gobreaker directly.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerConfig configures a CircuitBreaker (spec §4.2 Circuit
// Breaker).
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold uint32
	SuccessThreshold uint32
	OpenDuration     time.Duration
}

// CircuitBreaker wraps sony/gobreaker, whose three-state
// closed/open/half-open machine and ReadyToTrip/consecutive-successes
// semantics already match spec §4.2 exactly — ConsecutiveFailures
// tracks failure_threshold and gobreaker's MaxRequests in the half-open
// state caps the probe width to success_threshold probes.
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewCircuitBreaker constructs a named circuit breaker. The name scopes
// per-service state so distinct peers/operations fail independently.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	logger := log.WithComponent("circuit_breaker")

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0, // never reset counts while closed; only ReadyToTrip matters
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			state := fromGobreakerState(to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateGauge(state))
			logger.Info().
				Str("service", name).
				Str("from", fromGobreakerState(from).String()).
				Str("to", state.String()).
				Msg("circuit breaker state change")
		},
	}

	return &CircuitBreaker{name: cfg.Name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. In the open state it returns
// immediately without invoking fn (spec §4.2 "In open, execute()
// returns an immediate error").
func (b *CircuitBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() BreakerState {
	return fromGobreakerState(b.cb.State())
}

func fromGobreakerState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

func (s BreakerState) String() string { return string(s) }

func stateGauge(s BreakerState) float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}
