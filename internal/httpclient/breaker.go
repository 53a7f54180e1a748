package httpclient

import (
	"sync"
	"time"
)

// CircuitState is the breaker's position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops request dispatch after repeated upstream failures.
// The API, CDN, and license servers all sit behind the same client, and a
// hard outage on any of them would otherwise burn the full retry budget of
// every queued job. After a cool-down the breaker admits a bounded number
// of probe requests; one success closes it again.
type CircuitBreaker struct {
	mu sync.RWMutex

	state     CircuitState
	fails     int       // consecutive failures while closed
	trippedAt time.Time // when the last failure was recorded

	threshold int           // fails that trip the breaker
	cooldown  time.Duration // open duration before probing resumes
	probeMax  int           // probes admitted while half-open
	probes    int
}

// NewCircuitBreaker creates a breaker that trips after threshold
// consecutive failures and probes again after the cool-down.
func NewCircuitBreaker(threshold int, cooldown time.Duration, probeMax int) *CircuitBreaker {
	return &CircuitBreaker{
		state:     CircuitClosed,
		threshold: threshold,
		cooldown:  cooldown,
		probeMax:  probeMax,
	}
}

// Allow reports whether a request may be dispatched, moving an open
// breaker to half-open once the cool-down has passed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.trippedAt) < cb.cooldown {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.probes = 1
		return true
	case CircuitHalfOpen:
		if cb.probes >= cb.probeMax {
			return false
		}
		cb.probes++
		return true
	}
	return false
}

// RecordSuccess closes the breaker when a half-open probe came back clean.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.fails = 0
	}
}

// RecordFailure counts a failed request, tripping the breaker at the
// threshold. A failed probe re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.fails++
	cb.trippedAt = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.fails >= cb.threshold {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
	}
}

// State returns the current position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker closed, clearing the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.fails = 0
	cb.probes = 0
}
