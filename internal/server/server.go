// Package server implements the HTTP transport layer for the relay.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/eugener/relay/internal"
	"github.com/eugener/relay/internal/app"
	"github.com/eugener/relay/internal/eventbus"
	"github.com/eugener/relay/internal/ratelimit"
	"github.com/eugener/relay/internal/telemetry"
)

// DefaultKeepAlive is the SSE keep-alive comment interval.
const DefaultKeepAlive = 15 * time.Second

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           relay.Authenticator // nil = no authentication
	Bridge         *app.Bridge
	Streams        *app.Orchestrator
	Hub            *eventbus.Hub
	RateLimits     *ratelimit.Registry // nil = no rate limiting
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics route
	KeepAlive      time.Duration      // 0 = DefaultKeepAlive
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = DefaultKeepAlive
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Relay API
	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(s.authenticate)
		}
		if deps.RateLimits != nil {
			r.Use(s.rateLimit)
		}
		r.Post("/v1/requests", s.handleRequest)
		r.Post("/v1/requests/text", s.handleRequestText)
		r.Post("/v1/streams", s.handleStreamCreate)
		r.Get("/v1/streams/{id}/events", s.handleStreamEvents)
		r.Delete("/v1/streams/{id}", s.handleStreamCancel)
	})

	return r
}

type server struct {
	deps Deps
}
