package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/eugener/relay/internal"
	"github.com/eugener/relay/internal/telemetry"
	"github.com/eugener/relay/internal/transport"
)

// DefaultMaxBodyBytes caps buffered response bodies.
const DefaultMaxBodyBytes = 32 << 20

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	MaxBodyBytes int64              // 0 = DefaultMaxBodyBytes
	Metrics      *telemetry.Metrics // nil = no metrics
}

// Bridge relays one request and buffers the whole upstream response.
type Bridge struct {
	client  transport.Doer
	maxBody int64
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// NewBridge returns a Bridge sending through client.
func NewBridge(client transport.Doer, opts BridgeOptions) *Bridge {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Bridge{
		client:  client,
		maxBody: opts.MaxBodyBytes,
		metrics: opts.Metrics,
		tracer:  telemetry.Tracer("relay/app"),
	}
}

// Do sends req and returns the buffered response. Upstream error statuses
// are returned as normal responses. Failures are *relay.Error values; Status
// is set only when the response arrived but its body could not be read.
func (b *Bridge) Do(ctx context.Context, req *relay.Request) (*relay.Response, error) {
	method, err := req.Validate(false)
	if err != nil {
		return nil, err
	}

	id := relay.NewCorrelationID()
	start := time.Now()

	ctx, span := b.tracer.Start(ctx, "relay.request", trace.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("server.address", upstreamHost(req.URL)),
		attribute.String("relay.request_id", id),
	))
	var failMsg string
	defer func() { telemetry.EndSpan(span, failMsg) }()

	slog.LogAttrs(ctx, slog.LevelInfo, "relay start",
		slog.String("request_id", id),
		slog.String("method", method),
		slog.String("url", req.URL),
		slog.Int("headers", len(req.Headers)),
	)

	out, err := newUpstreamRequest(ctx, method, req, http.Header{
		relay.HeaderProxy:     {"true"},
		relay.HeaderRequestID: {id},
	})
	if err != nil {
		failMsg = err.Error()
		return nil, err
	}
	if req.Body != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "relay body",
			slog.String("request_id", id),
			slog.Int("bytes", len(*req.Body)),
		)
	}

	resp, err := b.client.Do(out)
	elapsed := time.Since(start)
	if err != nil {
		failMsg = "HTTP request failed: " + err.Error()
		b.countError("transport")
		slog.LogAttrs(ctx, slog.LevelError, "relay failed",
			slog.String("request_id", id),
			slog.Int64("elapsed_ms", elapsed.Milliseconds()),
			slog.String("error", err.Error()),
		)
		return nil, relay.NewError(relay.ErrTransport, failMsg)
	}
	transport.DecodeBody(resp)
	defer resp.Body.Close()

	if b.metrics != nil {
		b.metrics.UpstreamDuration.WithLabelValues("buffered").Observe(elapsed.Seconds())
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	slog.LogAttrs(ctx, slog.LevelInfo, "relay response",
		slog.String("request_id", id),
		slog.Int("status", resp.StatusCode),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
	)

	headers := make(map[string]string, len(resp.Header)+3)
	for k, vals := range resp.Header {
		if len(vals) > 0 {
			headers[k] = vals[len(vals)-1]
		}
	}
	headers[relay.HeaderProxied] = "true"
	headers[relay.HeaderRequestID] = id
	headers[relay.HeaderElapsedMs] = strconv.FormatInt(elapsed.Milliseconds(), 10)

	body, err := io.ReadAll(io.LimitReader(resp.Body, b.maxBody+1))
	if err == nil && int64(len(body)) > b.maxBody {
		err = fmt.Errorf("body exceeds %d bytes", b.maxBody)
	}
	if err != nil {
		failMsg = "Failed to read response body: " + err.Error()
		b.countError("read")
		slog.LogAttrs(ctx, slog.LevelError, "relay body read failed",
			slog.String("request_id", id),
			slog.String("error", err.Error()),
		)
		return nil, relay.NewError(relay.ErrBodyRead, failMsg).WithStatus(resp.StatusCode)
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "relay done",
		slog.String("request_id", id),
		slog.Int("bytes", len(body)),
	)
	return &relay.Response{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    strings.ToValidUTF8(string(body), "\uFFFD"),
	}, nil
}

// DoText is Do reduced to the response body. Failures keep their
// *relay.Error type; callers typically render only the message.
func (b *Bridge) DoText(ctx context.Context, req *relay.Request) (string, error) {
	resp, err := b.Do(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}

func (b *Bridge) countError(kind string) {
	if b.metrics != nil {
		b.metrics.UpstreamErrors.WithLabelValues("buffered", kind).Inc()
	}
}
