package receiver

import (
	"sync"
	"time"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuitBreaker protects the store from being hammered while it is down.
// Closed passes everything through; after threshold consecutive failures the
// circuit opens for cooldown, then admits a single half-open probe. A probe
// that never reports back is replaced after another cooldown.
type circuitBreaker struct {
	mu        sync.Mutex
	state     circuitState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probeAt   time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// AllowRequest reports whether an outbound call may proceed.
func (cb *circuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = circuitHalfOpen
			cb.probeAt = time.Now()
			return true
		}
		return false
	case circuitHalfOpen:
		// Only one probe at a time; a probe that went silent is replaced
		// after another cooldown.
		if time.Since(cb.probeAt) >= cb.cooldown {
			cb.probeAt = time.Now()
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = circuitClosed
}

// RecordFailure counts a failed call, opening the circuit at the threshold.
// A failed half-open probe re-opens immediately.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitHalfOpen {
		cb.state = circuitOpen
		cb.openedAt = time.Now()
		return
	}

	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = circuitOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current state as a string for logging.
func (cb *circuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

func (cb *circuitBreaker) isDegraded() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != circuitClosed
}
