package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/relay/internal/telemetry"
)

// MailboxReaper is the part of the event hub the reaper drives.
type MailboxReaper interface {
	Reap(now time.Time) int
	Len() int
}

// StreamReaper periodically retires stream mailboxes that nobody consumes,
// so abandoned handles do not accumulate.
type StreamReaper struct {
	hub      MailboxReaper
	interval time.Duration
	metrics  *telemetry.Metrics // nil = no metrics
	now      func() time.Time
}

// NewStreamReaper creates a reaper running every interval.
func NewStreamReaper(hub MailboxReaper, interval time.Duration, metrics *telemetry.Metrics) *StreamReaper {
	return &StreamReaper{hub: hub, interval: interval, metrics: metrics, now: time.Now}
}

// Name returns the worker identifier.
func (w *StreamReaper) Name() string { return "stream_reaper" }

// Run reaps on every tick until ctx is cancelled.
func (w *StreamReaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.reap(ctx)
		}
	}
}

func (w *StreamReaper) reap(ctx context.Context) {
	n := w.hub.Reap(w.now())
	open := w.hub.Len()
	if w.metrics != nil {
		w.metrics.MailboxesReaped.Add(float64(n))
		w.metrics.MailboxesOpen.Set(float64(open))
	}
	if n > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "reaped abandoned streams",
			slog.Int("reaped", n),
			slog.Int("open", open),
		)
	}
}
