package dispatch

import (
	"sync"
	"time"
)

type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// CircuitBreaker trips a backend open after consecutive failures so a dead
// tool endpoint is not hammered by every delivery.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and probes again after timeout.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        breakerClosed,
	}
}

// Allow reports whether a call may proceed. An open breaker transitions to
// half-open once the reset timeout elapses, letting one probe through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success resets the failure count and closes a half-open breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == breakerHalfOpen {
		cb.state = breakerClosed
	}
	cb.failureCount = 0
}

// Failure records a failed call and opens the breaker at the threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}
