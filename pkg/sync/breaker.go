package sync

import (
	"log/slog"
	gosync "sync"
	"time"
)

// CircuitBreaker implements a simple state machine for failure detection.
// After threshold consecutive failures the breaker opens and sheds requests
// until resetTimeout elapses, then lets one probe through. State changes
// are logged so an operator can see when the backend is being shed.
type CircuitBreaker struct {
	mu           gosync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
	log          *slog.Logger
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
		log:          slog.Default().With("component", "sync", "breaker", name),
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.transition("HALF_OPEN")
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "HALF_OPEN" {
		cb.transition("CLOSED")
	}
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold && cb.state != "OPEN" {
		cb.transition("OPEN")
	}
}

// transition records a state change. Caller holds the lock.
func (cb *CircuitBreaker) transition(to string) {
	from := cb.state
	cb.state = to
	if to == "OPEN" {
		cb.log.Warn("circuit breaker opened",
			"from", from, "failures", cb.failureCount)
		return
	}
	cb.log.Info("circuit breaker state changed", "from", from, "to", to)
}

// State reports the current breaker state for status endpoints.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
