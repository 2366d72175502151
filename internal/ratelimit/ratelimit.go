// Package ratelimit implements per-caller admission control for the relay API
// with lazy-refill token buckets: one budget for all relay calls and a
// separate one for stream starts.
package ratelimit

import (
	"sync"
	"time"
)

// Limits holds per-minute budgets for one caller. A value of 0 means unlimited.
type Limits struct {
	RequestsPerMinute int64
	StreamsPerMinute  int64
}

// Unlimited reports whether no budget is configured.
func (l Limits) Unlimited() bool { return l.RequestsPerMinute <= 0 && l.StreamsPerMinute <= 0 }

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(perMinute int64, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(perMinute),
		max:      float64(perMinute),
		rate:     float64(perMinute) / 60.0,
		lastFill: now,
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// take consumes one token if available.
func (b *bucket) take(now time.Time, limit int64) Result {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return Result{Allowed: true, Limit: limit, Remaining: int64(b.tokens)}
	}
	return Result{Limit: limit, RetryAfterSeconds: (1 - b.tokens) / b.rate}
}

// Limiter holds the request and stream buckets of a single caller.
type Limiter struct {
	mu       sync.Mutex
	requests *bucket // nil if unlimited
	streams  *bucket // nil if unlimited
	limits   Limits
	lastUsed time.Time
	now      func() time.Time
}

func newLimiter(limits Limits, now func() time.Time) *Limiter {
	t := now()
	l := &Limiter{limits: limits, lastUsed: t, now: now}
	if limits.RequestsPerMinute > 0 {
		l.requests = newBucket(limits.RequestsPerMinute, t)
	}
	if limits.StreamsPerMinute > 0 {
		l.streams = newBucket(limits.StreamsPerMinute, t)
	}
	return l
}

// AllowRequest consumes one request token.
func (l *Limiter) AllowRequest() Result {
	return l.allow(l.requests, l.limits.RequestsPerMinute)
}

// AllowStream consumes one stream-start token.
func (l *Limiter) AllowStream() Result {
	return l.allow(l.streams, l.limits.StreamsPerMinute)
}

func (l *Limiter) allow(b *bucket, limit int64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.lastUsed = now
	if b == nil {
		return Result{Allowed: true}
	}
	return b.take(now, limit)
}

// Registry manages per-caller Limiters sharing one set of Limits.
type Registry struct {
	limits Limits
	now    func() time.Time

	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates a registry applying limits to every caller.
func NewRegistry(limits Limits) *Registry {
	return &Registry{
		limits:   limits,
		now:      time.Now,
		limiters: make(map[string]*Limiter),
	}
}

// Limits returns the configured per-caller limits.
func (r *Registry) Limits() Limits { return r.limits }

// Get returns the limiter for key, creating one if needed.
func (r *Registry) Get(key string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l = newLimiter(r.limits, r.now)
	r.limiters[key] = l
	return l
}

// Len returns the number of tracked callers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
