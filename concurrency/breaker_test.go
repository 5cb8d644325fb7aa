package concurrency

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 2})
	cb.SetClock(clock.Now)
	return cb
}

// TestCircuitBreakerRecoveryScenario walks open -> half-open -> closed.
func TestCircuitBreakerRecoveryScenario(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	if !cb.CanExecute() {
		t.Error("circuit should be closed initially")
	}

	for i := 0; i < 3; i++ {
		cb.RecordFailure(true)
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("expected OPEN, got %v", cb.State())
	}
	if cb.CanExecute() {
		t.Error("open circuit should refuse execution")
	}

	clock.Advance(10 * time.Second)
	if cb.CanExecute() {
		t.Error("circuit should stay open until the recovery timeout has strictly elapsed")
	}

	clock.Advance(time.Millisecond)
	if !cb.CanExecute() {
		t.Fatal("circuit should allow a trial call after the recovery timeout")
	}
	if cb.State() != BreakerHalfOpen {
		t.Errorf("expected HALF_OPEN, got %v", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != BreakerHalfOpen {
		t.Errorf("one success should not close, got %v", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Errorf("expected CLOSED, got %v", cb.State())
	}
	if stats := cb.Stats(); stats.FailureCount != 0 || stats.SuccessCount != 0 {
		t.Errorf("counters should reset on close, got %+v", stats)
	}
}

func TestCircuitBreakerIgnoresNonAuthFailures(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	for i := 0; i < 100; i++ {
		cb.RecordFailure(false)
	}
	if cb.State() != BreakerClosed {
		t.Errorf("non-auth failures must not change state, got %v", cb.State())
	}
	if cb.Stats().FailureCount != 0 {
		t.Errorf("non-auth failures must not count, got %d", cb.Stats().FailureCount)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(true)
	}
	clock.Advance(11 * time.Second)
	if !cb.CanExecute() {
		t.Fatal("expected trial call to be allowed")
	}
	cb.RecordSuccess()
	cb.RecordFailure(true)

	stats := cb.Stats()
	if stats.State != BreakerOpen {
		t.Errorf("expected reopen after half-open failure, got %v", stats.State)
	}
	if stats.SuccessCount != 0 {
		t.Errorf("success count should reset on reopen, got %d", stats.SuccessCount)
	}
	if !stats.NextAttemptTime.Equal(clock.Now().Add(10 * time.Second)) {
		t.Errorf("next attempt should be pushed out by the recovery timeout")
	}
	if cb.CanExecute() {
		t.Error("reopened circuit should refuse execution")
	}
}

func TestCircuitBreakerSuccessForgivesFailures(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	cb.RecordFailure(true)
	cb.RecordFailure(true)
	cb.RecordSuccess()
	cb.RecordFailure(true)
	cb.RecordFailure(true)
	if cb.State() != BreakerClosed {
		t.Errorf("success in CLOSED should reset the failure count, got %v", cb.State())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	for i := 0; i < 3; i++ {
		cb.RecordFailure(true)
	}
	cb.Reset()
	if !cb.CanExecute() || cb.State() != BreakerClosed {
		t.Error("reset should close the circuit")
	}
}
