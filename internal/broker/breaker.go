package broker

import (
	"context"
	"sync"
	"time"

	"intraday-trader/internal/clock"
	"intraday-trader/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"    // Normal operation
	CircuitOpen     CircuitState = "OPEN"      // Failing, rejecting requests
	CircuitHalfOpen CircuitState = "HALF_OPEN" // Probing whether the broker recovered
)

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transport failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes needed to close
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker stops hammering a broker that keeps failing at the transport
// level. Broker rejections are answers, not failures, and never trip it.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	clock  clock.Clock

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	// half-open admits one call at a time
	trialInFlight bool

	totalRequests int64
	totalFailures int64
	totalRejected int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config BreakerConfig, clk clock.Clock) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		clock:  clk,
		state:  CircuitClosed,
	}
}

// Execute runs fn under breaker protection. The call itself must honour ctx.
func Execute[T any](cb *CircuitBreaker, ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		cb.record(r.err)
		return r.value, r.err
	case <-ctx.Done():
		cb.record(ctx.Err())
		return zero, errors.NewTransportError(cb.name, ctx.Err())
	}
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	if cb.state == CircuitOpen {
		if cb.clock.Since(cb.lastFailureTime) < cb.config.Cooldown {
			cb.totalRejected++
			return errors.ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
	}
	if cb.state == CircuitHalfOpen {
		if cb.trialInFlight {
			cb.totalRejected++
			return errors.ErrCircuitOpen
		}
		cb.trialInFlight = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false
	if err != nil && errors.IsTransient(err) {
		cb.totalFailures++
		cb.lastFailureTime = cb.clock.Now()
		switch cb.state {
		case CircuitClosed:
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.transitionTo(CircuitOpen)
			}
		case CircuitHalfOpen:
			cb.transitionTo(CircuitOpen)
		}
		return
	}

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	cb.state = state
	cb.failures = 0
	cb.successes = 0
	cb.trialInFlight = false
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats holds circuit breaker counters.
type BreakerStats struct {
	Name          string
	State         CircuitState
	TotalRequests int64
	TotalFailures int64
	TotalRejected int64
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:          cb.name,
		State:         cb.state,
		TotalRequests: cb.totalRequests,
		TotalFailures: cb.totalFailures,
		TotalRejected: cb.totalRejected,
	}
}
