// Package relay defines domain types and interfaces for the request relay.
// This package has no project imports -- it is the dependency root.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// --- Requests ---

// Request describes one upstream call on behalf of a caller.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"` // nil = no body, sent verbatim otherwise
}

// Response is the fully buffered result of a non-streaming relay call.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Headers synthesized by the relay. Canonical MIME form so direct map access works.
const (
	HeaderProxy     = "X-Relay-Proxy"      // set on the outgoing upstream request
	HeaderRequestID = "X-Relay-Request-Id" // correlation id, request and response
	HeaderProxied   = "X-Relay-Proxied"    // set on the buffered response
	HeaderElapsedMs = "X-Relay-Elapsed-Ms" // set on the buffered response
)

// streamMethods is narrower than bufferedMethods: HEAD and OPTIONS carry no
// body worth streaming.
var (
	streamMethods = map[string]struct{}{
		"GET": {}, "POST": {}, "PUT": {}, "DELETE": {}, "PATCH": {},
	}
	bufferedMethods = map[string]struct{}{
		"GET": {}, "POST": {}, "PUT": {}, "DELETE": {}, "PATCH": {}, "HEAD": {}, "OPTIONS": {},
	}
)

// Validate checks the method (case-insensitive) and URL of r without doing any
// I/O and returns the normalized method. streaming selects the narrower
// method set. The method is checked first.
func (r *Request) Validate(streaming bool) (string, error) {
	allowed := bufferedMethods
	if streaming {
		allowed = streamMethods
	}
	method := strings.ToUpper(r.Method)
	if _, ok := allowed[method]; !ok {
		return "", NewError(ErrUnsupportedMethod, "Unsupported HTTP method: "+r.Method)
	}

	u, err := url.Parse(r.URL)
	if err != nil {
		return "", NewError(ErrInvalidURL, fmt.Sprintf("Invalid URL %q: %v", r.URL, err))
	}
	if !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", NewError(ErrInvalidURL, fmt.Sprintf("Invalid URL %q: must be an absolute http(s) URL", r.URL))
	}
	return method, nil
}

// --- Streams ---

// Handle identifies one streaming relay. Handles are never reused.
type Handle string

// NewHandle mints a random, globally unique stream handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// Short returns the first 8 characters of h for log correlation.
func (h Handle) Short() string {
	return ShortID(string(h))
}

// ShortID truncates an identifier to 8 characters. Presentation only.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// NewCorrelationID returns a short id for correlating a buffered request
// across logs and headers.
func NewCorrelationID() string {
	return ShortID(uuid.NewString())
}

// SignalKind enumerates the signals delivered for a stream.
type SignalKind int

const (
	// SignalChunk carries one normalized "data: ...\n" record.
	SignalChunk SignalKind = iota
	// SignalEnd closes a stream that completed normally.
	SignalEnd
	// SignalError closes a stream that failed.
	SignalError
)

// String returns the wire event name.
func (k SignalKind) String() string {
	switch k {
	case SignalChunk:
		return "stream-chunk"
	case SignalEnd:
		return "stream-end"
	case SignalError:
		return "stream-error"
	default:
		return "unknown"
	}
}

// Signal is one out-of-band notification for a stream handle.
type Signal struct {
	Kind   SignalKind
	Handle Handle
	Data   string // SignalChunk only
	Err    string // SignalError only
}

// Terminal reports whether s closes its stream.
func (s Signal) Terminal() bool {
	return s.Kind == SignalEnd || s.Kind == SignalError
}

// ChunkSignal builds a SignalChunk.
func ChunkSignal(h Handle, data string) Signal { return Signal{Kind: SignalChunk, Handle: h, Data: data} }

// EndSignal builds a SignalEnd.
func EndSignal(h Handle) Signal { return Signal{Kind: SignalEnd, Handle: h} }

// ErrorSignal builds a SignalError.
func ErrorSignal(h Handle, msg string) Signal { return Signal{Kind: SignalError, Handle: h, Err: msg} }

// Sink receives the signals of streaming relays.
type Sink interface {
	// Open registers h before any signal for it is delivered. It is called
	// synchronously, before the handle is returned to the caller.
	Open(h Handle) error
	// Deliver hands one signal to the consumer. A non-nil error aborts the stream.
	Deliver(ctx context.Context, s Signal) error
}

// ConsumerWatcher is implemented by sinks that can tell when nobody will
// read a stream any more. The returned channel is closed at that point.
type ConsumerWatcher interface {
	Gone(h Handle) <-chan struct{}
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// Identity is the authenticated caller of the relay API.
type Identity struct {
	KeyID string // short fingerprint of the presented key
}

const ctxKeyIdentity contextKey = 1

// IdentityFromContext extracts the caller identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(*Identity)
	return id
}

// ContextWithIdentity returns a context carrying the given identity.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}
