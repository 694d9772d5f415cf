// Package ratelimit is the per-IP rolling-window limiter on the guest
// authorization endpoint.
package ratelimit

import (
	"sync"
	"time"
)

// cleanupEvery is how often stale per-IP entries are swept. The sweep
// is lazy, it piggybacks on Allow calls.
const cleanupEvery = 5 * time.Minute

// Limiter tracks attempt timestamps per key over a rolling window.
type Limiter struct {
	mu          sync.Mutex
	attempts    map[string][]time.Time
	capacity    int
	window      time.Duration
	lastCleanup time.Time
}

// New creates a limiter allowing capacity attempts per window.
func New(capacity int, window time.Duration) *Limiter {
	return &Limiter{
		attempts:    make(map[string][]time.Time),
		capacity:    capacity,
		window:      window,
		lastCleanup: time.Now(),
	}
}

// SetLimits replaces the capacity and window. Admin config updates
// apply without restarting.
func (l *Limiter) SetLimits(capacity int, window time.Duration) {
	l.mu.Lock()
	l.capacity = capacity
	l.window = window
	l.mu.Unlock()
}

// Allow records an attempt for key and reports whether it is within
// the limit. When denied, retryAfter is the time until the oldest
// attempt ages out of the window.
func (l *Limiter) Allow(key string) (allowed bool, retryAfter time.Duration) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) >= cleanupEvery {
		l.cleanupLocked(now)
	}

	recent := pruneOld(l.attempts[key], now.Add(-l.window))
	if len(recent) >= l.capacity {
		l.attempts[key] = recent
		return false, recent[0].Add(l.window).Sub(now)
	}

	l.attempts[key] = append(recent, now)
	return true, 0
}

func (l *Limiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	for key, stamps := range l.attempts {
		recent := pruneOld(stamps, cutoff)
		if len(recent) == 0 {
			delete(l.attempts, key)
			continue
		}
		l.attempts[key] = recent
	}
	l.lastCleanup = now
}

// pruneOld drops timestamps at or before cutoff. Stamps are appended
// in order, so the first kept index splits the slice.
func pruneOld(stamps []time.Time, cutoff time.Time) []time.Time {
	for i, ts := range stamps {
		if ts.After(cutoff) {
			return stamps[i:]
		}
	}
	return nil
}
