// Package ratelimit implements fixed-window counters keyed by an
// arbitrary string, typically "actor:action". One Limiter instance is
// created per policy; the counter logic is never duplicated per action.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

type bucket struct {
	count       int
	windowStart time.Time
}

// Limiter bounds actions per key within a recurring fixed window.
// Expired windows are lazily reset on next access; no background sweep
// is required for correctness, only for memory hygiene.
type Limiter struct {
	mu      sync.Mutex
	points  int
	window  time.Duration
	buckets map[string]*bucket
	now     func() time.Time
}

func New(points int, window time.Duration) *Limiter {
	return &Limiter{
		points:  points,
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Tests use it to move a window
// boundary without sleeping.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Consume spends one point for key. It returns false when the budget
// for the active window is exhausted.
func (l *Limiter) Consume(key string) bool {
	return l.ConsumeN(key, 1)
}

// ConsumeN spends cost points for key. A rejected attempt still counts
// against the window, so retry storms cannot reset it early.
func (l *Limiter) ConsumeN(key string, cost int) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}
	b.count += cost
	return b.count <= l.points
}

// Sweep drops buckets whose window expired before the retention cutoff.
// Called periodically by the sweep worker; correctness never depends on it.
func (l *Limiter) Sweep(retention time.Duration) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) >= l.window+retention {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Key builds the canonical "actor:action" bucket key.
func Key(actor, action string) string {
	return fmt.Sprintf("%s:%s", actor, action)
}
