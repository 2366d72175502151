package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/eugener/relay/internal"
	"github.com/eugener/relay/internal/sseframe"
	"github.com/eugener/relay/internal/telemetry"
	"github.com/eugener/relay/internal/transport"
)

// maxLoggedRecord bounds the record text written to debug logs.
const maxLoggedRecord = 100

// StreamState is the lifecycle position of one streaming relay.
type StreamState int

const (
	StateStarting StreamState = iota
	StateSending
	StateStreaming
	StateCompleted
	StateFailed
)

// String returns the state name.
func (s StreamState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	ChunkTimeout time.Duration      // max wait for one body chunk; 0 = none
	Metrics      *telemetry.Metrics // nil = no metrics
}

// Orchestrator owns the lifecycle of streaming relays. Each stream runs in
// its own goroutine under the orchestrator's base context, independent of
// the request that started it.
type Orchestrator struct {
	client       transport.Doer
	sink         relay.Sink
	chunkTimeout time.Duration
	metrics      *telemetry.Metrics
	tracer       trace.Tracer

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // guards closing and wg.Add
	closing bool
	wg      sync.WaitGroup
}

// NewOrchestrator returns an Orchestrator sending through client and
// delivering signals to sink.
func NewOrchestrator(client transport.Doer, sink relay.Sink, opts OrchestratorOptions) *Orchestrator {
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		client:       client,
		sink:         sink,
		chunkTimeout: opts.ChunkTimeout,
		metrics:      opts.Metrics,
		tracer:       telemetry.Tracer("relay/app"),
		base:         base,
		cancel:       cancel,
	}
}

// Start validates req, registers a new stream handle with the sink and
// launches the relay in the background. The handle is returned before any
// network I/O begins. Validation failures are returned synchronously and
// touch neither the transport nor the sink.
func (o *Orchestrator) Start(ctx context.Context, req *relay.Request) (relay.Handle, error) {
	method, err := req.Validate(true)
	if err != nil {
		return "", err
	}

	reqCtx, cancel := context.WithCancelCause(o.base)
	out, err := newUpstreamRequest(reqCtx, method, req, nil)
	if err != nil {
		cancel(nil)
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		cancel(nil)
		return "", relay.NewError(relay.ErrShuttingDown, "Relay is shutting down")
	}

	handle := relay.NewHandle()
	if err := o.sink.Open(handle); err != nil {
		cancel(nil)
		return "", fmt.Errorf("open stream: %w", err)
	}
	var gone <-chan struct{}
	if w, ok := o.sink.(relay.ConsumerWatcher); ok {
		gone = w.Gone(handle)
	}

	s := &stream{
		o:         o,
		handle:    handle,
		method:    method,
		url:       req.URL,
		requestID: relay.RequestIDFromContext(ctx),
		started:   time.Now(),
	}
	if o.metrics != nil {
		o.metrics.StreamsStarted.Inc()
		o.metrics.StreamsActive.Inc()
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel(nil)
		if gone != nil {
			// A departed consumer aborts the upstream exchange at once,
			// even while the upstream is silent.
			go func() {
				select {
				case <-gone:
					cancel(relay.ErrSinkClosed)
				case <-reqCtx.Done():
				}
			}()
		}
		s.run(reqCtx, cancel, out)
	}()
	return handle, nil
}

// Shutdown stops accepting streams, cancels the running ones and waits for
// them to deliver their terminal signals or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for streams: %w", ctx.Err())
	}
}

// Ready reports whether the orchestrator accepts new streams.
func (o *Orchestrator) Ready(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return relay.ErrShuttingDown
	}
	return nil
}

// stream is one relay run. Only its own goroutine touches it.
type stream struct {
	o         *Orchestrator
	handle    relay.Handle
	method    string
	url       string
	requestID string
	started   time.Time

	state StreamState
	span  trace.Span
}

func (s *stream) run(ctx context.Context, cancel context.CancelCauseFunc, req *http.Request) {
	ctx, s.span = s.o.tracer.Start(ctx, "relay.stream", trace.WithAttributes(
		attribute.String("http.request.method", s.method),
		attribute.String("server.address", upstreamHost(s.url)),
		attribute.String("relay.stream_id", string(s.handle)),
	))
	req = req.WithContext(ctx)

	slog.LogAttrs(ctx, slog.LevelInfo, "stream started",
		slog.String("stream_id", s.handle.Short()),
		slog.String("method", s.method),
		slog.String("url", s.url),
		slog.String("request_id", s.requestID),
	)

	s.state = StateSending
	resp, err := s.o.client.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, relay.ErrSinkClosed) {
			s.fail(ctx, "emit", "Failed to deliver chunk: "+cause.Error(), sseframe.Stats{})
			return
		}
		s.fail(ctx, "transport", "HTTP request failed: "+err.Error(), sseframe.Stats{})
		return
	}
	if s.o.metrics != nil {
		s.o.metrics.UpstreamDuration.WithLabelValues("stream").Observe(time.Since(s.started).Seconds())
	}
	s.span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	// An error body is not assumed to be SSE-shaped; it is never read.
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		s.fail(ctx, "status", fmt.Sprintf("HTTP Error: %d", resp.StatusCode), sseframe.Stats{})
		return
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "stream response",
		slog.String("stream_id", s.handle.Short()),
		slog.Int("status", resp.StatusCode),
	)

	transport.DecodeBody(resp)
	s.state = StateStreaming
	src := transport.NewBodySource(ctx, cancel, resp.Body, s.o.chunkTimeout)
	defer src.Close()

	stats, err := sseframe.Reframe(ctx, src, s.emit)
	if s.o.metrics != nil {
		s.o.metrics.StreamChunks.Add(float64(stats.Chunks))
	}
	if err != nil {
		kind, msg := describeFailure(err)
		s.fail(ctx, kind, msg, stats)
		return
	}
	s.complete(ctx, stats)
}

func (s *stream) emit(ctx context.Context, record string) error {
	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		shown := record
		if len(shown) > maxLoggedRecord {
			shown = shown[:maxLoggedRecord] + "..."
		}
		slog.LogAttrs(ctx, slog.LevelDebug, "stream record",
			slog.String("stream_id", s.handle.Short()),
			slog.String("data", shown),
		)
	}
	if err := s.o.sink.Deliver(ctx, relay.ChunkSignal(s.handle, record)); err != nil {
		return err
	}
	if s.o.metrics != nil {
		s.o.metrics.StreamRecords.Inc()
	}
	return nil
}

// describeFailure maps a pipeline failure to a metric kind and message.
// A read aborted because the consumer left counts as a delivery failure.
func describeFailure(err error) (kind, msg string) {
	var f *sseframe.Failure
	if !errors.As(err, &f) {
		return "read", "Stream read error: " + err.Error()
	}
	switch {
	case f.Phase == sseframe.PhaseEmit, errors.Is(f.Err, relay.ErrSinkClosed):
		return "emit", "Failed to deliver chunk: " + f.Err.Error()
	case f.Phase == sseframe.PhaseDecode:
		return "decode", "UTF-8 decode error: " + f.Err.Error()
	default:
		return "read", "Stream read error: " + f.Err.Error()
	}
}

func (s *stream) complete(ctx context.Context, stats sseframe.Stats) {
	s.state = StateCompleted
	slog.LogAttrs(ctx, slog.LevelInfo, "stream completed",
		slog.String("stream_id", s.handle.Short()),
		slog.Int("chunks", stats.Chunks),
		slog.Int("records", stats.Records),
		slog.Int("dropped_labels", stats.DroppedLabels),
		slog.Int64("duration_ms", time.Since(s.started).Milliseconds()),
	)
	s.terminate(ctx, relay.EndSignal(s.handle), "completed", "")
}

func (s *stream) fail(ctx context.Context, kind, msg string, stats sseframe.Stats) {
	s.state = StateFailed
	slog.LogAttrs(ctx, slog.LevelError, "stream failed",
		slog.String("stream_id", s.handle.Short()),
		slog.String("kind", kind),
		slog.String("error", msg),
		slog.Int("records", stats.Records),
		slog.Int64("duration_ms", time.Since(s.started).Milliseconds()),
	)
	if s.o.metrics != nil {
		s.o.metrics.UpstreamErrors.WithLabelValues("stream", kind).Inc()
	}
	s.terminate(ctx, relay.ErrorSignal(s.handle, msg), "failed", msg)
}

// terminate delivers the single terminal signal. Delivery is best effort: a
// failure is logged and not escalated. It ignores cancellation of ctx so a
// stream cancelled by shutdown can still report why it ended.
func (s *stream) terminate(ctx context.Context, sig relay.Signal, outcome, spanErr string) {
	if err := s.o.sink.Deliver(context.WithoutCancel(ctx), sig); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "terminal signal not delivered",
			slog.String("stream_id", s.handle.Short()),
			slog.String("signal", sig.Kind.String()),
			slog.String("error", err.Error()),
		)
	}
	if s.o.metrics != nil {
		s.o.metrics.StreamsFinished.WithLabelValues(outcome).Inc()
		s.o.metrics.StreamsActive.Dec()
	}
	telemetry.EndSpan(s.span, spanErr)
}
