package server

import (
	"encoding/json"
	"net/http"

	relay "github.com/eugener/relay/internal"
)

// Pre-allocated byte slices for SSE formatting.
var (
	sseEventPrefix = []byte("event: ")
	sseDataPrefix  = []byte("\ndata: ")
	sseNewline     = []byte("\n\n")
	sseKeepAlive   = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
var (
	sseHeaders      = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders sets the response headers for an SSE stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseHeaders
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// eventPayload is the JSON data of one delivered signal.
type eventPayload struct {
	StreamID relay.Handle `json:"stream_id"`
	Data     *string      `json:"data,omitempty"`
	Error    *string      `json:"error,omitempty"`
}

func payloadFor(sig relay.Signal) eventPayload {
	p := eventPayload{StreamID: sig.Handle}
	switch sig.Kind {
	case relay.SignalChunk:
		p.Data = &sig.Data
	case relay.SignalError:
		p.Error = &sig.Err
	}
	return p
}

// writeSSEEvent writes one signal as "event: <kind>\ndata: <json>\n\n".
func writeSSEEvent(w http.ResponseWriter, sig relay.Signal) error {
	data, err := json.Marshal(payloadFor(sig))
	if err != nil {
		return err
	}
	w.Write(sseEventPrefix)
	w.Write([]byte(sig.Kind.String()))
	w.Write(sseDataPrefix)
	w.Write(data)
	_, err = w.Write(sseNewline)
	return err
}

// writeSSEKeepAlive writes an SSE comment to keep the connection alive.
func writeSSEKeepAlive(w http.ResponseWriter) error {
	_, err := w.Write(sseKeepAlive)
	return err
}
