package chainclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zex-protocol/zexporta/internal/config"
)

// RateLimiter wraps a token bucket rate limiter for one RPC endpoint.
type RateLimiter struct {
	limiter *rate.Limiter
	name    string
}

// NewRateLimiter creates a rate limiter allowing rps requests per second.
func NewRateLimiter(name string, rps int) *RateLimiter {
	return &RateLimiter{
		// Burst(1) spreads requests evenly across the second instead of
		// letting them cluster and trip the indexer's own limiter.
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		name:    name,
	}
}

// Wait blocks until the rate limiter allows another request or ctx is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.limiter.Wait(ctx); err != nil {
		slog.Warn("rate limiter wait cancelled",
			"endpoint", rl.name,
			"error", err,
		)
		return err
	}
	return nil
}

// Circuit breaker states.
const (
	circuitClosed   = "closed"
	circuitOpen     = "open"
	circuitHalfOpen = "half-open"
)

// CircuitBreaker prevents hammering an indexer that has become
// unhealthy.
//
// State machine:
//   - Closed (normal): all requests pass; failures increment a counter,
//     counter >= threshold trips to Open.
//   - Open (tripped): requests blocked until the cooldown elapses, then
//     Half-Open.
//   - Half-Open (testing): one request allowed through; success closes,
//     failure reopens.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            string
	consecutiveFails int
	threshold        int
	cooldown         time.Duration
	lastFailure      time.Time
	halfOpenUsed     bool
}

// NewCircuitBreaker creates a circuit breaker with the default
// threshold and cooldown.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		state:     circuitClosed,
		threshold: config.CircuitBreakerThreshold,
		cooldown:  config.CircuitBreakerCooldown,
	}
}

// Allow returns true if a request may pass through the breaker.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(cb.lastFailure) >= cb.cooldown {
			cb.state = circuitHalfOpen
			cb.halfOpenUsed = true
			return true
		}
		return false
	case circuitHalfOpen:
		if !cb.halfOpenUsed {
			cb.halfOpenUsed = true
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the breaker to closed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != circuitClosed {
		slog.Info("circuit breaker closed after success", "previousState", cb.state)
	}
	cb.consecutiveFails = 0
	cb.state = circuitClosed
}

// RecordFailure counts a failed call and may trip the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = time.Now()

	if cb.state == circuitHalfOpen || cb.consecutiveFails >= cb.threshold {
		if cb.state != circuitOpen {
			slog.Warn("circuit breaker tripped to open",
				"consecutiveFails", cb.consecutiveFails,
				"threshold", cb.threshold,
			)
		}
		cb.state = circuitOpen
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
