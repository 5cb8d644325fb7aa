package concurrency

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryStrategy is an immutable exponential backoff policy.
type RetryStrategy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryStrategy returns 3 attempts, 1s base, 60s cap, factor 2, with jitter.
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

// baseDelay is min(base * factor^attempt, max) without jitter.
func (r RetryStrategy) baseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := r.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(r.BaseDelay) * math.Pow(factor, float64(attempt))
	if r.MaxDelay > 0 && (delay > float64(r.MaxDelay) || math.IsInf(delay, 1)) {
		return r.MaxDelay
	}
	return time.Duration(delay)
}

// GetDelay returns the backoff before retry number attempt (0-based). With
// jitter the delay is scaled by a uniform factor in [0.75, 1.25] and then
// capped again so it never exceeds MaxDelay.
func (r RetryStrategy) GetDelay(attempt int) time.Duration {
	delay := r.baseDelay(attempt)
	if !r.Jitter {
		return delay
	}
	scaled := time.Duration(float64(delay) * (0.75 + rand.Float64()*0.5))
	if r.MaxDelay > 0 && scaled > r.MaxDelay {
		return r.MaxDelay
	}
	return scaled
}

// ShouldRetryKind is the retry decision on an already classified error.
func (r RetryStrategy) ShouldRetryKind(attempt int, kind ErrorKind) bool {
	if attempt >= r.MaxAttempts {
		return false
	}
	return kind.Transient()
}

// ShouldRetry classifies err and decides whether attempt may be retried.
func (r RetryStrategy) ShouldRetry(attempt int, err error) bool {
	if err == nil {
		return false
	}
	return r.ShouldRetryKind(attempt, Classify(err))
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts are
// exhausted. The attempt number passed to fn starts at 0.
func (r RetryStrategy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !r.ShouldRetry(attempt+1, err) {
			return err
		}
		timer := time.NewTimer(r.GetDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
