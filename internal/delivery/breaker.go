package delivery

import (
	"sync"
	"time"
)

// Breaker is a consecutive-failure circuit breaker shared by all tasks.
//
//   - success: resets failures and closes the circuit
//   - failure: increments failures; at >= trip the circuit opens for a
//     cooldown that doubles with each further failure, up to maxCooldown
//   - neutral outcomes (rate limits) change nothing
type Breaker struct {
	mu sync.Mutex

	trip        int
	cooldown    time.Duration
	maxCooldown time.Duration

	fails       int
	openUntil   time.Time
	lastFailure time.Time
	trips       uint64
}

type BreakerState struct {
	Open      bool      `json:"open"`
	OpenUntil time.Time `json:"open_until,omitempty"`
	Failures  int       `json:"failures"`
	Trips     uint64    `json:"trips"`
}

// NewBreaker builds a breaker. trip < 0 disables it; 0 means 5.
func NewBreaker(trip int, cooldown, maxCooldown time.Duration) *Breaker {
	b := &Breaker{}
	b.apply(trip, cooldown, maxCooldown)
	return b
}

func (b *Breaker) Apply(trip int, cooldown, maxCooldown time.Duration) {
	b.mu.Lock()
	b.apply(trip, cooldown, maxCooldown)
	b.mu.Unlock()
}

func (b *Breaker) apply(trip int, cooldown, maxCooldown time.Duration) {
	if trip == 0 {
		trip = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if maxCooldown <= 0 {
		maxCooldown = 10 * time.Minute
	}
	if maxCooldown < cooldown {
		maxCooldown = cooldown
	}
	b.trip = trip
	b.cooldown = cooldown
	b.maxCooldown = maxCooldown
}

// Allow reports whether sends may proceed at now. When the circuit is open it
// returns the time it closes.
func (b *Breaker) Allow(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trip < 0 {
		return true, time.Time{}
	}
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return false, b.openUntil
	}
	return true, time.Time{}
}

func (b *Breaker) Success() {
	b.mu.Lock()
	b.fails = 0
	b.openUntil = time.Time{}
	b.lastFailure = time.Time{}
	b.mu.Unlock()
}

// Failure records a 5xx or terminal outcome. It reports whether the circuit
// is open afterwards.
func (b *Breaker) Failure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trip < 0 {
		return false
	}
	b.fails++
	b.lastFailure = now
	if b.fails < b.trip {
		return false
	}
	d := b.cooldown
	for i := 0; i < b.fails-b.trip; i++ {
		d *= 2
		if d >= b.maxCooldown {
			d = b.maxCooldown
			break
		}
	}
	if b.fails == b.trip {
		b.trips++
	}
	b.openUntil = now.Add(d)
	return true
}

func (b *Breaker) State(now time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerState{Failures: b.fails, Trips: b.trips}
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		st.Open = true
		st.OpenUntil = b.openUntil
	}
	return st
}
