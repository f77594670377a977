package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryPolicy is the per-queue-kind job retry policy.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads retries over [delay/2, delay) when true.
	Jitter bool
}

// DefaultRetryPolicy mirrors the queue defaults: three attempts, 2s doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
		Jitter:      true,
	}
}

// ShouldRetry decides whether a job that failed on attempt (1-based) gets
// another delivery.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || IsPermanent(err) {
		return false
	}
	return true
}

// Backoff returns the wait before attempt+1, doubling from BaseDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if !p.Jitter {
		return time.Duration(delay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
