// Package ratelimit gates outbound sends with a global and a per-destination
// ceiling. Both are token buckets with burst 1, so consecutive grants in a
// scope are at least 1/rate apart and no rolling second sees more than the
// configured number of grants.
package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultGlobalPerSec      = 30
	DefaultDestinationPerSec = 1
)

type Config struct {
	// GlobalPerSec bounds all sends. <=0 means DefaultGlobalPerSec.
	GlobalPerSec float64 `json:"global_per_sec"`
	// DestinationPerSec bounds sends to one chat. <=0 means DefaultDestinationPerSec.
	DestinationPerSec float64 `json:"destination_per_sec"`
}

func (c Config) withDefaults() Config {
	if c.GlobalPerSec <= 0 {
		c.GlobalPerSec = DefaultGlobalPerSec
	}
	if c.DestinationPerSec <= 0 {
		c.DestinationPerSec = DefaultDestinationPerSec
	}
	return c
}

// Limiter is safe for concurrent use. All bucket state changes happen under mu.
type Limiter struct {
	now func() time.Time

	mu      sync.Mutex
	cfg     Config
	global  *rate.Limiter
	dests   map[string]*rate.Limiter
	penalty map[string]time.Time
}

func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		now:     time.Now,
		cfg:     cfg,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalPerSec), 1),
		dests:   make(map[string]*rate.Limiter),
		penalty: make(map[string]time.Time),
	}
}

// SetClock overrides the time source used by Acquire and Wait.
func (l *Limiter) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Acquire takes one token from both the global and the destination bucket,
// or neither. When it returns false, wait is how long until both buckets can
// grant.
func (l *Limiter) Acquire(dest string) (ok bool, wait time.Duration) {
	l.mu.Lock()
	now := l.now()
	l.mu.Unlock()
	return l.AcquireAt(now, dest)
}

// AcquireAt is Acquire with an explicit clock reading.
func (l *Limiter) AcquireAt(now time.Time, dest string) (bool, time.Duration) {
	dest = strings.TrimSpace(dest)

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.penalty[dest]; ok {
		if now.Before(until) {
			return false, until.Sub(now)
		}
		delete(l.penalty, dest)
	}

	dl := l.destLocked(dest)
	wait := max(deficit(l.global, now), deficit(dl, now))
	if wait > 0 {
		return false, wait
	}
	// Both buckets hold a token at now, so neither AllowN can fail.
	l.global.AllowN(now, 1)
	dl.AllowN(now, 1)
	return true, 0
}

// Wait blocks until Acquire succeeds or ctx ends.
func (l *Limiter) Wait(ctx context.Context, dest string) error {
	for {
		ok, wait := l.Acquire(dest)
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Penalize blocks dest until the given time. Later calls only extend it.
func (l *Limiter) Penalize(dest string, until time.Time) {
	dest = strings.TrimSpace(dest)
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.penalty[dest]; ok && !until.After(cur) {
		return
	}
	l.penalty[dest] = until
}

// PenalizedUntil reports an active penalty for dest.
func (l *Limiter) PenalizedUntil(dest string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.penalty[strings.TrimSpace(dest)]
	return until, ok
}

// Apply retunes ceilings in place. Bucket fill levels carry over.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cfg.GlobalPerSec != l.cfg.GlobalPerSec {
		l.global.SetLimitAt(now, rate.Limit(cfg.GlobalPerSec))
	}
	if cfg.DestinationPerSec != l.cfg.DestinationPerSec {
		for _, dl := range l.dests {
			dl.SetLimitAt(now, rate.Limit(cfg.DestinationPerSec))
		}
	}
	l.cfg = cfg
}

func (l *Limiter) destLocked(dest string) *rate.Limiter {
	dl, ok := l.dests[dest]
	if !ok {
		dl = rate.NewLimiter(rate.Limit(l.cfg.DestinationPerSec), 1)
		l.dests[dest] = dl
	}
	return dl
}

// deficit returns how long until lim holds a full token at now.
func deficit(lim *rate.Limiter, now time.Time) time.Duration {
	tokens := lim.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	limit := float64(lim.Limit())
	if limit <= 0 {
		return time.Hour
	}
	d := time.Duration(math.Ceil((1 - tokens) / limit * float64(time.Second)))
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}
