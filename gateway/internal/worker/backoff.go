package worker

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before the next attempt:
// base * 2^attempt, capped at Max, plus up to Jitter of random delay.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	// Rand returns a value in [0, n]. Defaults to math/rand/v2.
	Rand func(n int64) int64
}

// Delay returns the wait after the given attempt (1-based) failed.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d + b.jitter()
}

func (b Backoff) jitter() time.Duration {
	if b.Jitter <= 0 {
		return 0
	}
	r := b.Rand
	if r == nil {
		r = func(n int64) int64 { return rand.Int64N(n + 1) }
	}
	return time.Duration(r(int64(b.Jitter)))
}
