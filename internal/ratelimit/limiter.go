// Package ratelimit implements the per-connection fixed-window frame budget.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Info summarises the state of a connection's rate-limit bucket.
type Info struct {
	MaxAttempts int       `json:"max_attempts"`
	Attempts    int       `json:"attempts"`
	ResetTime   time.Time `json:"reset_time"`
}

type bucket struct {
	attempts    int
	windowStart time.Time
}

// Limiter counts frames per connection within a fixed window. Buckets are
// keyed strictly by connection id so two connections for one player never
// share a budget.
type Limiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	denied atomic.Uint64
}

// Denied reports how many attempts have been rejected across all buckets.
func (l *Limiter) Denied() uint64 {
	if l == nil {
		return 0
	}
	return l.denied.Load()
}

// Option customises limiter construction.
type Option func(*Limiter)

// WithClock overrides the time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// NewLimiter constructs a limiter allowing up to max attempts per window.
func NewLimiter(window time.Duration, max int, opts ...Option) *Limiter {
	limiter := &Limiter{
		window:  window,
		max:     max,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(limiter)
		}
	}
	return limiter
}

// Allow records one attempt for the connection and reports whether it is
// still within budget for the current window.
func (l *Limiter) Allow(connectionID string) bool {
	if l == nil || l.max <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.buckets[connectionID]
	if b == nil {
		b = &bucket{windowStart: now}
		l.buckets[connectionID] = b
	} else if now.Sub(b.windowStart) >= l.window {
		b.attempts = 0
		b.windowStart = now
	}
	b.attempts++
	if b.attempts > l.max {
		l.denied.Add(1)
		return false
	}
	return true
}

// Info returns the bucket state for the connection without recording an attempt.
func (l *Limiter) Info(connectionID string) Info {
	if l == nil {
		return Info{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	info := Info{MaxAttempts: l.max}
	now := l.now()
	b := l.buckets[connectionID]
	if b == nil || now.Sub(b.windowStart) >= l.window {
		info.ResetTime = now.Add(l.window)
		return info
	}
	info.Attempts = b.attempts
	info.ResetTime = b.windowStart.Add(l.window)
	return info
}

// Clear discards the bucket for the connection. Must be called on disconnect
// so the bucket table does not grow without bound.
func (l *Limiter) Clear(connectionID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, connectionID)
	l.mu.Unlock()
}

// Size reports how many buckets are currently tracked.
func (l *Limiter) Size() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
