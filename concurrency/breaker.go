package concurrency

import (
	"sync"
	"time"

	"github.com/ByteMirror/squadron/log"
)

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	// BreakerClosed indicates normal operation
	BreakerClosed BreakerState = iota
	// BreakerOpen indicates repeated authentication failures; execution is refused
	BreakerOpen
	// BreakerHalfOpen indicates the recovery timeout elapsed and a trial call is allowed through
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of authentication failures that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a trial call is allowed.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int
}

// DefaultBreakerConfig returns threshold 3, 60s recovery, 2 successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// BreakerStats is a point-in-time copy of breaker state.
type BreakerStats struct {
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	NextAttemptTime time.Time    `json:"next_attempt_time"`
}

// CircuitBreaker gates execution on recent authentication failure history.
// Only authentication failures count; transient errors never trip it.
type CircuitBreaker struct {
	mu sync.Mutex

	config BreakerConfig
	now    func() time.Time

	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// NewCircuitBreaker creates a closed breaker. Non-positive settings fall back to defaults.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = def.RecoveryTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	return &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  BreakerClosed,
	}
}

// SetClock replaces the time source. Tests use it to step past the recovery timeout.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// CanExecute reports whether a call may proceed. An open circuit whose
// recovery timeout has elapsed moves to half-open as a side effect.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if cb.now().After(cb.nextAttemptTime) {
			cb.state = BreakerHalfOpen
			cb.successCount = 0
			log.InfoLog.Printf("circuit breaker transitioned to half-open for testing")
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful execution
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = BreakerClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.nextAttemptTime = time.Time{}
			log.InfoLog.Printf("circuit breaker closed after successful recovery tests")
		}
	case BreakerClosed:
		cb.failureCount = 0
	}
}

// RecordFailure records a failed execution. Non-authentication failures are ignored.
func (cb *CircuitBreaker) RecordFailure(isAuthFailure bool) {
	if !isAuthFailure {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.failureCount++
	cb.lastFailureTime = now

	switch cb.state {
	case BreakerClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.open(now)
			log.WarningLog.Printf("circuit breaker opened after %d authentication failures", cb.failureCount)
		}
	case BreakerHalfOpen:
		cb.open(now)
		log.WarningLog.Printf("circuit breaker reopened after half-open authentication failure")
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = BreakerOpen
	cb.successCount = 0
	cb.nextAttemptTime = now.Add(cb.config.RecoveryTimeout)
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a copy of the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		NextAttemptTime: cb.nextAttemptTime,
	}
}

// Reset forces the breaker closed, e.g. after credentials were fixed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.nextAttemptTime = time.Time{}
}
