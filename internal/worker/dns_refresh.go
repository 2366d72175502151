package worker

import (
	"context"
	"log/slog"
	"time"
)

// DNSCache is a resolver cache that can be refreshed in place.
// *dnscache.Resolver satisfies it.
type DNSCache interface {
	Refresh(clearUnused bool)
}

// DNSRefresher periodically refreshes cached upstream addresses and drops
// hosts that were not looked up since the previous refresh.
type DNSRefresher struct {
	cache    DNSCache
	interval time.Duration
}

// NewDNSRefresher creates a refresher running every interval.
func NewDNSRefresher(cache DNSCache, interval time.Duration) *DNSRefresher {
	return &DNSRefresher{cache: cache, interval: interval}
}

// Name returns the worker identifier.
func (w *DNSRefresher) Name() string { return "dns_refresh" }

// Run refreshes on every tick until ctx is cancelled.
func (w *DNSRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.cache.Refresh(true)
			slog.LogAttrs(ctx, slog.LevelDebug, "dns cache refreshed")
		}
	}
}
