package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindowLimiter enforces a maximum number of events per key within a
// rolling window.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewSlidingWindowLimiter allows up to limit events per key per window. A
// non-positive window or limit disables the limiter.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{
		window: window,
		limit:  limit,
		now:    timeSource,
		events: make(map[string][]time.Time),
	}
}

// Allow records an event for key when permitted. When denied it reports how
// long until the oldest event leaves the window.
func (l *SlidingWindowLimiter) Allow(key string) (bool, time.Duration, int) {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true, 0, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.trim(key, now)
	if len(kept) >= l.limit {
		return false, kept[0].Add(l.window).Sub(now), len(kept)
	}
	l.events[key] = append(kept, now)
	return true, 0, len(kept) + 1
}

func (l *SlidingWindowLimiter) trim(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	events := l.events[key]
	kept := events[:0]
	for _, ts := range events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.events, key)
		return nil
	}
	l.events[key] = kept
	return kept
}

// Prune drops keys with no events inside the window
func (l *SlidingWindowLimiter) Prune() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	pruned := 0
	for key := range l.events {
		if l.trim(key, now) == nil {
			pruned++
		}
	}
	return pruned
}

// Keys returns the number of tracked keys
func (l *SlidingWindowLimiter) Keys() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
