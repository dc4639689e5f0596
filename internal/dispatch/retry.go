package dispatch

import (
	"math/rand"
	"time"
)

// RetryPolicy governs how workers re-attempt a failed provider call:
// exponential backoff from BaseDelay, capped at MaxDelay, with optional
// jitter, for at most MaxAttempts executions total.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultRetryPolicy mirrors the queue defaults: three attempts, seconds-scale
// base delay, one-minute ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      true,
	}
}

// Backoff returns the delay before the given attempt is retried. attempt is
// 1-based: Backoff(1) is the wait after the first failure.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		// Spread retries across +/-25% of the computed delay.
		spread := int64(d / 2)
		if spread > 0 {
			d = d - time.Duration(spread)/2 + time.Duration(rand.Int63n(spread))
		}
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt number.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}
