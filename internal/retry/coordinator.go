// Package retry decides whether a failed transfer gets another attempt and how
// long to wait before it.
package retry

import (
	"math/rand/v2"
	"time"
)

// DefaultBaseDelay is the wait before the first retry.
const DefaultBaseDelay = time.Second

// Coordinator is a pure exponential backoff policy. The zero value uses
// DefaultBaseDelay, no cap and no jitter.
type Coordinator struct {
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter adds up to this fraction of the delay, e.g. 0.2 for +20%.
	Jitter float64
}

// New returns a Coordinator with the given base and cap.
func New(base, maxDelay time.Duration) Coordinator {
	return Coordinator{BaseDelay: base, MaxDelay: maxDelay}
}

// ShouldRetry reports whether attempt (the number of retries already spent)
// may be followed by another one and the delay to wait: base * 2^attempt.
func (c Coordinator) ShouldRetry(attempt, maxRetries int) (bool, time.Duration) {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= maxRetries {
		return false, 0
	}
	return true, c.delay(attempt)
}

func (c Coordinator) delay(attempt int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}

	d := base
	for i := 0; i < attempt; i++ {
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			break
		}
		// overflow guard
		if d > time.Duration(1<<62)/2 {
			d = time.Duration(1 << 62)
			break
		}
		d *= 2
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}

	if c.Jitter > 0 {
		d += time.Duration(rand.Float64() * c.Jitter * float64(d))
	}
	return d
}
