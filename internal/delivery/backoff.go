package delivery

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: base * 2^(k-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the pre-jitter delay before retry k (k >= 1).
func (b Backoff) Delay(k int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if k < 1 {
		k = 1
	}
	d := b.Base
	for i := 1; i < k; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Jitter returns a uniform random duration in [0, Base).
func (b Backoff) Jitter() time.Duration {
	if b.Base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(b.Base)))
}
