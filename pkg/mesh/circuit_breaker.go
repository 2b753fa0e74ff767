package mesh

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker gates traffic to one endpoint. Transitions:
//
//	closed --(failures reach threshold)--> open
//	open --(next attempt after open duration)--> half-open
//	half-open --(successes reach quota)--> closed
//	half-open --(any failure)--> open
//
// The open -> half-open transition is lazy: it happens on the next routing
// attempt after the open duration elapses, not on a timer.
type CircuitBreaker struct {
	mu           sync.Mutex
	endpointID   string
	config       BreakerConfig
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time
	nextAttempt  time.Time

	now    func() time.Time
	onOpen func(endpointID string)
}

// NewCircuitBreaker creates a closed breaker for the given endpoint.
// onOpen, if non-nil, is invoked (outside the breaker lock) whenever the
// breaker transitions to open.
func NewCircuitBreaker(endpointID string, config BreakerConfig, onOpen func(endpointID string)) *CircuitBreaker {
	return &CircuitBreaker{
		endpointID: endpointID,
		config:     config.withDefaults(),
		state:      BreakerClosed,
		now:        time.Now,
		onOpen:     onOpen,
	}
}

// Allow reports whether a routing attempt may proceed. While open it returns
// ErrCircuitOpen until the open duration elapses, at which point the breaker
// moves to half-open (success counter reset) and the attempt proceeds.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerOpen {
		return nil
	}
	if cb.now().Before(cb.nextAttempt) {
		return ErrCircuitOpen
	}
	cb.state = BreakerHalfOpen
	cb.successCount = 0
	return nil
}

// RecordSuccess feeds a successful request outcome into the state machine
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failureCount = 0
	case BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.HalfOpenQuota {
			cb.state = BreakerClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

// RecordFailure feeds a failed request outcome into the state machine
func (cb *CircuitBreaker) RecordFailure() {
	var opened bool

	cb.mu.Lock()
	cb.lastFailure = cb.now()
	switch cb.state {
	case BreakerClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = BreakerOpen
			cb.nextAttempt = cb.now().Add(cb.config.OpenDuration)
			opened = true
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.nextAttempt = cb.now().Add(cb.config.OpenDuration)
		opened = true
	}
	cb.mu.Unlock()

	if opened && cb.onOpen != nil {
		cb.onOpen(cb.endpointID)
	}
}

// ForceOpen trips the breaker administratively, as if the failure threshold
// had just been reached.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	cb.state = BreakerOpen
	cb.nextAttempt = cb.now().Add(cb.config.OpenDuration)
	cb.mu.Unlock()

	if cb.onOpen != nil {
		cb.onOpen(cb.endpointID)
	}
}

// ForceClose resets the breaker to closed with zeroed counters
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.successCount = 0
}

// State returns the current state without advancing lazy transitions
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns a point-in-time snapshot of the breaker
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStatus{
		EndpointID:   cb.endpointID,
		State:        cb.state,
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
		LastFailure:  cb.lastFailure,
		NextAttempt:  cb.nextAttempt,
	}
}
