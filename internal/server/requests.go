package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	relay "github.com/eugener/relay/internal"
)

// maxRequestBytes caps the JSON envelope of a relay request.
const maxRequestBytes = 16 << 20

// decodeRequest reads the relay request envelope. On failure it has already
// written the 400 response.
func decodeRequest(w http.ResponseWriter, r *http.Request) (*relay.Request, bool) {
	var req relay.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, relay.NewError(relay.ErrBadRequest, "invalid request body: "+err.Error()))
		return nil, false
	}
	if req.URL == "" || req.Method == "" {
		writeError(w, relay.NewError(relay.ErrBadRequest, "url and method are required"))
		return nil, false
	}
	return &req, true
}

func (s *server) handleRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	resp, err := s.deps.Bridge.Do(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRequestText returns only the upstream body on success and only the
// failure message otherwise.
func (s *server) handleRequestText(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	body, err := s.deps.Bridge.DoText(r.Context(), req)
	if err != nil {
		writeJSON(w, errorStatus(err), errorBody{Message: err.Error()})
		return
	}
	w.Header()["Content-Type"] = textCT
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// errorBody is the JSON failure shape for errors that are not *relay.Error.
type errorBody struct {
	Message string `json:"message"`
}

// writeError renders err as JSON with the status from errorStatus.
// *relay.Error values keep their optional upstream status.
func writeError(w http.ResponseWriter, err error) {
	var rerr *relay.Error
	if errors.As(err, &rerr) {
		writeJSON(w, errorStatus(err), rerr)
		return
	}
	writeJSON(w, errorStatus(err), errorBody{Message: err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, relay.ErrBadRequest),
		errors.Is(err, relay.ErrUnsupportedMethod),
		errors.Is(err, relay.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, relay.ErrGone):
		return http.StatusGone
	case errors.Is(err, relay.ErrTransport),
		errors.Is(err, relay.ErrUpstreamStatus),
		errors.Is(err, relay.ErrBodyRead):
		return http.StatusBadGateway
	case errors.Is(err, relay.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Pre-allocated Content-Type values for direct header map assignment.
var (
	jsonCT = []string{"application/json"}
	textCT = []string{"text/plain; charset=utf-8"}
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
