package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	relay "github.com/eugener/relay/internal"
	"github.com/eugener/relay/internal/app"
	"github.com/eugener/relay/internal/auth"
	"github.com/eugener/relay/internal/config"
	"github.com/eugener/relay/internal/eventbus"
	"github.com/eugener/relay/internal/ratelimit"
	"github.com/eugener/relay/internal/server"
	"github.com/eugener/relay/internal/telemetry"
	"github.com/eugener/relay/internal/transport"
	"github.com/eugener/relay/internal/worker"
)

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogging(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	slog.Info("starting relay", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
			Endpoint:   cfg.Telemetry.Tracing.Endpoint,
			SampleRate: cfg.Telemetry.Tracing.SampleRate,
			Insecure:   cfg.Telemetry.Tracing.Insecure,
			Version:    version,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	// Metrics
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Upstream client. Buffered relays share the stream client's pool but
	// add a whole-exchange timeout.
	var resolver *dnscache.Resolver
	if cfg.Upstream.DNSCache {
		resolver = &dnscache.Resolver{}
	}
	streamClient := transport.NewClient(transport.Options{
		UserAgent:  cfg.Upstream.UserAgent,
		Resolver:   resolver,
		ForceHTTP2: cfg.Upstream.ForceHTTP2,
	})
	bufferedClient := &http.Client{Transport: streamClient.Transport, Timeout: cfg.Upstream.Timeout}

	// Services
	hub, err := eventbus.New(eventbus.Options{
		MailboxSize:    cfg.Streams.MailboxSize,
		DeliverTimeout: cfg.Streams.DeliverTimeout,
		OrphanTTL:      cfg.Streams.OrphanTTL,
		TombstoneTTL:   cfg.Streams.TombstoneTTL,
		TombstoneMax:   cfg.Streams.TombstoneMax,
	})
	if err != nil {
		return err
	}
	bridge := app.NewBridge(bufferedClient, app.BridgeOptions{
		MaxBodyBytes: cfg.Upstream.MaxBodyBytes,
		Metrics:      metrics,
	})
	streams := app.NewOrchestrator(streamClient, hub, app.OrchestratorOptions{
		ChunkTimeout: cfg.Upstream.ChunkTimeout,
		Metrics:      metrics,
	})

	var authenticator relay.Authenticator = auth.Anonymous{}
	if keys := auth.NewAPIKeyAuth(cfg.Auth.APIKeys...); keys.Enabled() {
		authenticator = keys
	} else {
		slog.Warn("no api keys configured, relay API is unauthenticated")
	}

	var limits *ratelimit.Registry
	if l := (ratelimit.Limits{
		RequestsPerMinute: cfg.Limits.RequestsPerMinute,
		StreamsPerMinute:  cfg.Limits.StreamsPerMinute,
	}); !l.Unlimited() {
		limits = ratelimit.NewRegistry(l)
		slog.Info("rate limits enabled",
			"requests_per_minute", l.RequestsPerMinute,
			"streams_per_minute", l.StreamsPerMinute,
		)
	}

	// Background workers
	workers := []worker.Worker{worker.NewStreamReaper(hub, cfg.Streams.ReapInterval, metrics)}
	if resolver != nil && cfg.Upstream.DNSRefresh > 0 {
		workers = append(workers, worker.NewDNSRefresher(resolver, cfg.Upstream.DNSRefresh))
	}
	if limits != nil {
		workers = append(workers, worker.NewRateLimitJanitor(limits, max(cfg.Limits.IdleEviction/2, time.Second), cfg.Limits.IdleEviction))
	}
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerErr := make(chan error, 1)
	go func() { workerErr <- worker.NewRunner(workers...).Run(workerCtx) }()

	// HTTP server
	handler := server.New(server.Deps{
		Auth:           authenticator,
		Bridge:         bridge,
		Streams:        streams,
		Hub:            hub,
		RateLimits:     limits,
		ReadyCheck:     streams.Ready,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		KeepAlive:      cfg.Server.KeepAliveInterval,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("relay ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Streams end first so SSE subscribers receive their terminal events
	// before the server stops accepting connections.
	if err := streams.Shutdown(shutdownCtx); err != nil {
		slog.Warn("streams did not drain", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stopWorkers()

	slog.Info("relay stopped")
	return nil
}
