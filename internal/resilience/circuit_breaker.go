package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Requests fail immediately
	StateHalfOpen                     // Probing whether the peer recovered
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreaker trips after maxFailures consecutive failures and probes the
// peer again once resetTimeout has elapsed. A zero resetTimeout keeps it open
// until Reset.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int // successful probes needed to close again
	now          func() time.Time

	mu            sync.RWMutex
	state         CircuitState
	failureCount  int // consecutive
	successCount  int // probes in half-open
	lastFailTime  time.Time
	requestCount  int64
	failuresTotal int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Name returns the name the breaker was created with.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Call executes fn unless the circuit is open.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.RecordResult(err == nil)
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.resetTimeout > 0 && cb.now().Sub(cb.lastFailTime) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.successCount = 0
			return true
		}
	}
	return false
}

// RecordResult records the outcome of a request made outside Call.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requestCount++
	if success {
		cb.recordSuccess()
	} else {
		cb.recordFailure()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failuresTotal++
	cb.lastFailTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.maxFailures {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successCount = 0
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns the state, request and failure totals and the failure
// rate in percent since the last Reset.
func (cb *CircuitBreaker) GetStats() (state CircuitState, requestCount, failureCount int64, failureRate float64) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	state = cb.state
	requestCount = cb.requestCount
	failureCount = cb.failuresTotal
	if requestCount > 0 {
		failureRate = float64(failureCount) / float64(requestCount) * 100.0
	}
	return
}

// Reset closes the circuit and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.requestCount = 0
	cb.failuresTotal = 0
	cb.lastFailTime = time.Time{}
}
