package worker

import (
	"context"
	"log/slog"
	"time"
)

// LimiterEvictor is the part of the rate limit registry the janitor drives.
type LimiterEvictor interface {
	EvictStale(cutoff time.Time) int
}

// RateLimitJanitor drops per-caller rate limit state that has been idle
// longer than idle.
type RateLimitJanitor struct {
	limits   LimiterEvictor
	interval time.Duration
	idle     time.Duration
	now      func() time.Time
}

// NewRateLimitJanitor creates a janitor sweeping every interval.
func NewRateLimitJanitor(limits LimiterEvictor, interval, idle time.Duration) *RateLimitJanitor {
	return &RateLimitJanitor{limits: limits, interval: interval, idle: idle, now: time.Now}
}

// Name returns the worker identifier.
func (w *RateLimitJanitor) Name() string { return "ratelimit_janitor" }

// Run sweeps on every tick until ctx is cancelled.
func (w *RateLimitJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := w.limits.EvictStale(w.now().Add(-w.idle)); n > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "evicted idle rate limiters",
					slog.Int("evicted", n),
				)
			}
		}
	}
}
