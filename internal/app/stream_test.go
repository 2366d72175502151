package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	relay "github.com/eugener/relay/internal"
	"github.com/eugener/relay/internal/sseframe"
	"github.com/eugener/relay/internal/telemetry"
	"github.com/eugener/relay/internal/testutil"
)

const waitTimeout = 5 * time.Second

// chunkBody returns one chunk per Read, then err (io.EOF when nil).
type chunkBody struct {
	chunks [][]byte
	err    error
	closed bool
}

func (b *chunkBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if len(b.chunks[0]) == 0 {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkBody) Close() error {
	b.closed = true
	return nil
}

func bodyDoer(status int, body io.ReadCloser) testutil.DoerFunc {
	return func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: status, Header: http.Header{}, Body: body, Request: r}, nil
	}
}

// terminal waits for the terminal signal and checks that it is the only
// terminal signal and the last one recorded.
func terminal(t *testing.T, sink *testutil.RecordingSink, h relay.Handle) relay.Signal {
	t.Helper()
	sig, ok := sink.WaitTerminal(waitTimeout)
	if !ok {
		t.Fatal("no terminal signal delivered")
	}
	// Let a hypothetical second terminal signal land before counting.
	time.Sleep(20 * time.Millisecond)
	signals := sink.Signals()
	count := 0
	for _, s := range signals {
		if s.Handle != h {
			t.Errorf("signal for handle %q, want %q", s.Handle, h)
		}
		if s.Terminal() {
			count++
		}
	}
	if count != 1 {
		t.Errorf("terminal signals = %d, want exactly 1", count)
	}
	if !signals[len(signals)-1].Terminal() {
		t.Errorf("last signal is %s, want terminal", signals[len(signals)-1].Kind)
	}
	return sig
}

func TestOrchestrator_StreamsRecords(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(testutil.SSEHandler(5*time.Millisecond,
		"event: delta\ndata:",
		"\n{\"a\":",
		"1}\n\n: ping\n\ndata: b\n",
		"data: tail",
	))
	defer srv.Close()

	reg := prometheus.NewPedanticRegistry()
	m := telemetry.NewMetrics(reg)
	sink := testutil.NewRecordingSink()
	o := NewOrchestrator(srv.Client(), sink, OrchestratorOptions{Metrics: m})

	h, err := o.Start(context.Background(), &relay.Request{URL: srv.URL, Method: "POST", Body: strPtr("{}")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !slices.Equal(sink.Opened(), []relay.Handle{h}) {
		t.Errorf("opened = %v, want [%s]", sink.Opened(), h)
	}

	sig := terminal(t, sink, h)
	if sig.Kind != relay.SignalEnd {
		t.Fatalf("terminal = %s (%s), want stream-end", sig.Kind, sig.Err)
	}
	want := []string{"data: {\"a\":1}\n", "data: b\n", "data: tail\n"}
	if got := sink.Chunks(); !slices.Equal(got, want) {
		t.Errorf("chunks = %q, want %q", got, want)
	}

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := promtest.ToFloat64(m.StreamsFinished.WithLabelValues("completed")); got != 1 {
		t.Errorf("streams_finished{completed} = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.StreamRecords); got != 3 {
		t.Errorf("stream_records_total = %v, want 3", got)
	}
	if got := promtest.ToFloat64(m.StreamsActive); got != 0 {
		t.Errorf("streams_active = %v, want 0", got)
	}
}

func TestOrchestrator_ErrorStatusNotRead(t *testing.T) {
	t.Parallel()

	body := &chunkBody{chunks: [][]byte{[]byte("data: should not appear\n")}}
	sink := testutil.NewRecordingSink()
	o := NewOrchestrator(bodyDoer(http.StatusInternalServerError, body), sink, OrchestratorOptions{})

	h, err := o.Start(context.Background(), &relay.Request{URL: "http://upstream.test/sse", Method: "GET"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sig := terminal(t, sink, h)
	if sig.Kind != relay.SignalError || sig.Err != "HTTP Error: 500" {
		t.Errorf("terminal = %s %q, want stream-error \"HTTP Error: 500\"", sig.Kind, sig.Err)
	}
	if n := len(sink.Chunks()); n != 0 {
		t.Errorf("chunks = %d, want 0", n)
	}
	if len(body.chunks) != 1 || !body.closed {
		t.Errorf("error body was read or left open")
	}
}

func TestOrchestrator_ValidationBeforeIO(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  relay.Request
		want error
	}{
		{"TRACE", relay.Request{URL: "http://upstream.test", Method: "TRACE"}, relay.ErrUnsupportedMethod},
		{"HEAD", relay.Request{URL: "http://upstream.test", Method: "HEAD"}, relay.ErrUnsupportedMethod},
		{"OPTIONS", relay.Request{URL: "http://upstream.test", Method: "OPTIONS"}, relay.ErrUnsupportedMethod},
		{"bad url", relay.Request{URL: "not a url", Method: "GET"}, relay.ErrInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doer := &testutil.FailingDoer{}
			sink := testutil.NewRecordingSink()
			o := NewOrchestrator(doer, sink, OrchestratorOptions{})

			h, err := o.Start(context.Background(), &tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if h != "" {
				t.Errorf("handle = %q, want empty", h)
			}
			if err := o.Shutdown(context.Background()); err != nil {
				t.Fatal(err)
			}
			if doer.Calls() != 0 {
				t.Errorf("transport called %d times", doer.Calls())
			}
			if len(sink.Opened()) != 0 || len(sink.Signals()) != 0 {
				t.Errorf("sink touched: opened=%v signals=%v", sink.Opened(), sink.Signals())
			}
		})
	}
}

func TestOrchestrator_UnsupportedMethodMessage(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(&testutil.FailingDoer{}, testutil.NewRecordingSink(), OrchestratorOptions{})
	_, err := o.Start(context.Background(), &relay.Request{URL: "http://upstream.test", Method: "trace"})
	if err == nil || err.Error() != "Unsupported HTTP method: trace" {
		t.Errorf("err = %v", err)
	}
}

func TestOrchestrator_HandleReturnedBeforeSending(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{})
	doer := testutil.DoerFunc(func(r *http.Request) (*http.Response, error) {
		close(entered)
		<-release
		return &http.Response{StatusCode: 200, Header: http.Header{}, Body: &chunkBody{}, Request: r}, nil
	})
	sink := testutil.NewRecordingSink()
	o := NewOrchestrator(doer, sink, OrchestratorOptions{})

	h, err := o.Start(context.Background(), &relay.Request{URL: "http://upstream.test", Method: "GET"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h == "" {
		t.Fatal("empty handle")
	}
	<-entered
	if n := len(sink.Signals()); n != 0 {
		t.Errorf("signals before response = %d, want 0", n)
	}
	close(release)

	if sig := terminal(t, sink, h); sig.Kind != relay.SignalEnd {
		t.Errorf("terminal = %s, want stream-end", sig.Kind)
	}
}

func TestOrchestrator_TransportFailure(t *testing.T) {
	t.Parallel()

	doer := testutil.DoerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	sink := testutil.NewRecordingSink()
	o := NewOrchestrator(doer, sink, OrchestratorOptions{})

	h, err := o.Start(context.Background(), &relay.Request{URL: "http://upstream.test", Method: "GET"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sig := terminal(t, sink, h)
	if sig.Kind != relay.SignalError || !strings.HasPrefix(sig.Err, "HTTP request failed: ") {
		t.Errorf("terminal = %s %q", sig.Kind, sig.Err)
	}
}

func TestOrchestrator_PipelineFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       *chunkBody
		wantChunks []string
		wantPrefix string
	}{
		{
			name:       "decode error after records",
			body:       &chunkBody{chunks: [][]byte{[]byte("data: ok\n"), []byte("data: \xff\xfe\n")}},
			wantChunks: []string{"data: ok\n"},
			wantPrefix: "UTF-8 decode error: ",
		},
		{
			name:       "truncated rune at end",
			body:       &chunkBody{chunks: [][]byte{[]byte("data: ok\n"), []byte("data: \xe4\xb8")}},
			wantChunks: []string{"data: ok\n"},
			wantPrefix: "UTF-8 decode error: ",
		},
		{
			name:       "read error mid-stream",
			body:       &chunkBody{chunks: [][]byte{[]byte("data: one\ndata: tw")}, err: errors.New("connection reset")},
			wantChunks: []string{"data: one\n"},
			wantPrefix: "Stream read error: connection reset",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sink := testutil.NewRecordingSink()
			o := NewOrchestrator(bodyDoer(http.StatusOK, tt.body), sink, OrchestratorOptions{})

			h, err := o.Start(context.Background(), &relay.Request{URL: "http://upstream.test", Method: "GET"})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			sig := terminal(t, sink, h)
			if sig.Kind != relay.SignalError || !strings.HasPrefix(sig.Err, tt.wantPrefix) {
				t.Errorf("terminal = %s %q, want prefix %q", sig.Kind, sig.Err, tt.wantPrefix)
			}
			if got := sink.Chunks(); !slices.Equal(got, tt.wantChunks) {
				t.Errorf("chunks = %q, want %q", got, tt.wantChunks)
			}
		})
	}
}

func TestOrchestrator_SinkFailureAborts(t *testing.T) {
	t.Parallel()

	body := &chunkBody{chunks: [][]byte{[]byte("data: one\ndata: two\ndata: three\n")}}
	sink := testutil.NewRecordingSink()
	sink.DeliverFn = func(_ context.Context, s relay.Signal) error {
		if s.Kind == relay.SignalChunk && s.Data == "data: two\n" {
			return relay.ErrSinkClosed
		}
		return nil
	}
	o := NewOrchestrator(bodyDoer(http.StatusOK, body), sink, OrchestratorOptions{})

	h, err := o.Start(context.Background(), &relay.Request{URL: "http://upstream.test", Method: "GET"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sig := terminal(t, sink, h)
	if sig.Kind != relay.SignalError || !strings.HasPrefix(sig.Err, "Failed to deliver chunk: ") {
		t.Errorf("terminal = %s %q", sig.Kind, sig.Err)
	}
	if got := sink.Chunks(); !slices.Equal(got, []string{"data: one\n"}) {
		t.Errorf("chunks = %q, want only the first record", got)
	}
}

func TestOrchestrator_ChunkTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(testutil.StallHandler("data: first\n"))
	defer srv.Close()

	sink := testutil.NewRecordingSink()
	o := NewOrchestrator(srv.Client(), sink, OrchestratorOptions{ChunkTimeout: 50 * time.Millisecond})

	h, err := o.Start(context.Background(), &relay.Request{URL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sig := terminal(t, sink, h)
	if sig.Kind != relay.SignalError {
		t.Fatalf("terminal = %s, want stream-error", sig.Kind)
	}
	if !strings.HasPrefix(sig.Err, "Stream read error: ") || !strings.Contains(sig.Err, relay.ErrChunkTimeout.Error()) {
		t.Errorf("error = %q, want chunk timeout read error", sig.Err)
	}
	if got := sink.Chunks(); !slices.Equal(got, []string{"data: first\n"}) {
		t.Errorf("chunks = %q", got)
	}
}

func TestOrchestrator_ConsumerGoneAbortsSilentUpstream(t *testing.T) {
	t.Parallel()

	upstreamDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		testutil.StallHandler(": ping\n\n")(w, r)
	}))
	defer srv.Close()

	sink := testutil.NewRecordingSink()
	o := NewOrchestrator(srv.Client(), sink, OrchestratorOptions{})
	h, err := o.Start(context.Background(), &relay.Request{URL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Nothing is ever delivered, so only the watcher can notice.
	time.Sleep(20 * time.Millisecond)
	sink.Leave(h)

	sig := terminal(t, sink, h)
	if sig.Kind != relay.SignalError {
		t.Fatalf("terminal = %s, want stream-error", sig.Kind)
	}
	if !strings.HasPrefix(sig.Err, "Failed to deliver chunk: ") || !strings.Contains(sig.Err, relay.ErrSinkClosed.Error()) {
		t.Errorf("error = %q, want delivery failure", sig.Err)
	}
	select {
	case <-upstreamDone:
	case <-time.After(waitTimeout):
		t.Error("upstream request still open after the consumer left")
	}
}

func TestDescribeFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err      error
		wantKind string
		wantMsg  string
	}{
		{&sseframe.Failure{Phase: sseframe.PhaseRead, Err: io.ErrUnexpectedEOF}, "read", "Stream read error: unexpected EOF"},
		{&sseframe.Failure{Phase: sseframe.PhaseRead, Err: relay.ErrSinkClosed}, "emit", "Failed to deliver chunk: sink closed"},
		{&sseframe.Failure{Phase: sseframe.PhaseEmit, Err: relay.ErrSinkFull}, "emit", "Failed to deliver chunk: sink full"},
		{&sseframe.Failure{Phase: sseframe.PhaseDecode, Err: relay.ErrDecode}, "decode", "UTF-8 decode error: invalid UTF-8"},
		{errors.New("raw"), "read", "Stream read error: raw"},
	}
	for _, tt := range tests {
		kind, msg := describeFailure(tt.err)
		if kind != tt.wantKind || msg != tt.wantMsg {
			t.Errorf("describeFailure(%v) = %q, %q; want %q, %q", tt.err, kind, msg, tt.wantKind, tt.wantMsg)
		}
	}
}

func TestOrchestrator_Shutdown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(testutil.StallHandler("data: first\n"))
	defer srv.Close()

	sink := testutil.NewRecordingSink()
	o := NewOrchestrator(srv.Client(), sink, OrchestratorOptions{})

	h, err := o.Start(context.Background(), &relay.Request{URL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(waitTimeout)
	for len(sink.Chunks()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first record never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if sig := terminal(t, sink, h); sig.Kind != relay.SignalError {
		t.Errorf("terminal = %s, want stream-error", sig.Kind)
	}

	if _, err := o.Start(context.Background(), &relay.Request{URL: srv.URL, Method: "GET"}); !errors.Is(err, relay.ErrShuttingDown) {
		t.Errorf("Start after shutdown: err = %v, want ErrShuttingDown", err)
	}
	if err := o.Ready(context.Background()); !errors.Is(err, relay.ErrShuttingDown) {
		t.Errorf("Ready after shutdown = %v", err)
	}
}

func TestOrchestrator_StreamOutlivesCallerContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(testutil.SSEHandler(20*time.Millisecond, "data: a\n", "data: b\n"))
	defer srv.Close()

	sink := testutil.NewRecordingSink()
	o := NewOrchestrator(srv.Client(), sink, OrchestratorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := o.Start(ctx, &relay.Request{URL: srv.URL, Method: "GET"})
	cancel()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sig := terminal(t, sink, h); sig.Kind != relay.SignalEnd {
		t.Fatalf("terminal = %s (%s), want stream-end", sig.Kind, sig.Err)
	}
	if got := sink.Chunks(); !slices.Equal(got, []string{"data: a\n", "data: b\n"}) {
		t.Errorf("chunks = %q", got)
	}
}

func TestOrchestrator_OpenFailure(t *testing.T) {
	t.Parallel()

	doer := &testutil.FailingDoer{}
	sink := testutil.NewRecordingSink()
	sink.OpenFn = func(relay.Handle) error { return relay.ErrConflict }
	o := NewOrchestrator(doer, sink, OrchestratorOptions{})

	if _, err := o.Start(context.Background(), &relay.Request{URL: "http://upstream.test", Method: "GET"}); !errors.Is(err, relay.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if doer.Calls() != 0 {
		t.Errorf("transport called %d times", doer.Calls())
	}
}

func TestStreamStateString(t *testing.T) {
	t.Parallel()

	for s, want := range map[StreamState]string{
		StateStarting: "starting", StateSending: "sending", StateStreaming: "streaming",
		StateCompleted: "completed", StateFailed: "failed", StreamState(99): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestOrchestrator_DecodesContentEncoding(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Content-Encoding", "zstd")
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return
		}
		zw.Write([]byte("data: one\n\n")) //nolint:errcheck
		zw.Flush()                        //nolint:errcheck
		w.(http.Flusher).Flush()
		zw.Write([]byte("data: two\n\n")) //nolint:errcheck
		zw.Close()                        //nolint:errcheck
	}))
	defer srv.Close()

	sink := testutil.NewRecordingSink()
	o := NewOrchestrator(srv.Client(), sink, OrchestratorOptions{})
	h, err := o.Start(context.Background(), &relay.Request{URL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sig := terminal(t, sink, h); sig.Kind != relay.SignalEnd {
		t.Fatalf("terminal = %s (%s), want stream-end", sig.Kind, sig.Err)
	}
	want := []string{"data: one\n", "data: two\n"}
	if got := sink.Chunks(); !slices.Equal(got, want) {
		t.Errorf("chunks = %q, want %q", got, want)
	}
}
