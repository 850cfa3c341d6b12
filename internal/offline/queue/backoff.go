package queue

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base * 2^retry, capped at Max, with up to
// ±Jitter (a fraction of the delay) of random spread.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns the retry policy used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    5 * time.Minute,
		Jitter: 0.2,
	}
}

// Delay returns the wait before attempt retry+1. factor scales the base
// delay; link quality uses it to back off harder on a poor connection.
func (b Backoff) Delay(retry int, factor float64) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	if factor > 0 {
		base = time.Duration(float64(base) * factor)
	}

	delay := base
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		spread := float64(delay) * b.Jitter
		delay += time.Duration(spread * (2*r() - 1))
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
