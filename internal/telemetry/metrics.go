// Package telemetry provides observability primitives for the relay.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	StreamsStarted   prometheus.Counter
	StreamsFinished  *prometheus.CounterVec
	StreamsActive    prometheus.Gauge
	StreamRecords    prometheus.Counter
	StreamChunks     prometheus.Counter
	MailboxesOpen    prometheus.Gauge
	MailboxesReaped  prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "relay",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "relay",
			Name:                            "upstream_duration_seconds",
			Help:                            "Time until upstream response headers, in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"mode"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "upstream_errors_total",
			Help:      "Total relay failures by mode and kind.",
		}, []string{"mode", "kind"}),

		StreamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "streams_started_total",
			Help:      "Total streaming relays started.",
		}),

		StreamsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "streams_finished_total",
			Help:      "Total streaming relays finished, by outcome.",
		}, []string{"outcome"}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "streams_active",
			Help:      "Number of streaming relays currently running.",
		}),

		StreamRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "stream_records_total",
			Help:      "Total normalized data records delivered.",
		}),

		StreamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "stream_chunks_total",
			Help:      "Total upstream body chunks read by streaming relays.",
		}),

		MailboxesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "mailboxes_open",
			Help:      "Current number of open stream mailboxes.",
		}),

		MailboxesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "mailboxes_reaped_total",
			Help:      "Total stream mailboxes retired by the reaper.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.StreamsStarted,
		m.StreamsFinished,
		m.StreamsActive,
		m.StreamRecords,
		m.StreamChunks,
		m.MailboxesOpen,
		m.MailboxesReaped,
	)

	return m
}
