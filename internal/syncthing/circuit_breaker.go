package syncthing

import (
	"sync"
	"time"
)

// DefaultFailureThreshold is the number of consecutive failed probes before
// a running daemon is reported inactive.
const DefaultFailureThreshold = 3

// CircuitBreaker counts consecutive failed probes. It opens once the
// threshold is reached and closes again on the next success: a daemon that
// answers again is usable again.
type CircuitBreaker struct {
	mu                  sync.RWMutex
	threshold           int
	consecutiveFailures int
	open                bool
	lastFailureAt       time.Time
}

// NewCircuitBreaker creates a breaker. If threshold <= 0,
// DefaultFailureThreshold is used.
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &CircuitBreaker{threshold: threshold}
}

// RecordSuccess resets the failure count and closes the breaker.
// Returns true if the breaker was open.
func (cb *CircuitBreaker) RecordSuccess() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	wasOpen := cb.open
	cb.consecutiveFailures = 0
	cb.open = false
	return wasOpen
}

// RecordFailure records a failed probe.
// Returns true if this failure tripped the breaker.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureAt = time.Now()

	if cb.consecutiveFailures >= cb.threshold && !cb.open {
		cb.open = true
		return true
	}
	return false
}

// IsOpen reports whether the breaker is open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.open
}

// ConsecutiveFailures returns the current count of consecutive failures.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveFailures
}

// LastFailureAt returns the time of the last recorded failure.
func (cb *CircuitBreaker) LastFailureAt() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastFailureAt
}

// Threshold returns the number of consecutive failures that trips the breaker.
func (cb *CircuitBreaker) Threshold() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.threshold
}

// Open forces the breaker open. Used before the first successful probe so a
// daemon that was never reached starts out inactive.
func (cb *CircuitBreaker) Open() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = true
}
