package ledger

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker trips after a threshold of consecutive failures and lets a
// probe through once the reset timeout elapses. Protects the forwarder from
// hammering a ledger that is clearly down.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
	}
}

// Allow reports whether a request may proceed.
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

// Success records a successful call and closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = breakerClosed
}

// Failure records a failed call, tripping the breaker at the threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.state == breakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}
