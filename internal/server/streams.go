package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/eugener/relay/internal"
)

type streamCreated struct {
	StreamID relay.Handle `json:"stream_id"`
}

func (s *server) handleStreamCreate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if !s.allowStream(w, r) {
		return
	}
	h, err := s.deps.Streams.Start(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header()["Location"] = []string{"/v1/streams/" + string(h) + "/events"}
	writeJSON(w, http.StatusCreated, streamCreated{StreamID: h})
}

// handleStreamEvents relays one stream's signals as SSE until the terminal
// signal. A client that disconnects early cancels the stream.
func (s *server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	handle := relay.Handle(chi.URLParam(r, "id"))
	sub, err := s.deps.Hub.Subscribe(handle)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "streaming unsupported"})
		return
	}
	// The server write timeout is meant for buffered routes.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "clear write deadline",
			slog.String("error", err.Error()),
		)
	}

	writeSSEHeaders(w)
	flusher.Flush()

	keepAlive := time.NewTicker(s.deps.KeepAlive)
	defer keepAlive.Stop()

	send := func(sig relay.Signal) bool {
		if err := writeSSEEvent(w, sig); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "event write failed",
				slog.String("stream_id", handle.Short()),
				slog.String("error", err.Error()),
			)
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case sig := <-sub.C:
			if !send(sig) {
				return
			}

		case <-sub.Ended():
			// Chunks queued before the end go out first.
			for drained := false; !drained; {
				select {
				case sig := <-sub.C:
					if !send(sig) {
						return
					}
				default:
					drained = true
				}
			}
			send(sub.Terminal())
			return

		case <-keepAlive.C:
			if err := writeSSEKeepAlive(w); err != nil {
				return
			}
			flusher.Flush()

		case <-sub.Done():
			slog.LogAttrs(r.Context(), slog.LevelInfo, "stream cancelled while subscribed",
				slog.String("stream_id", handle.Short()),
			)
			return

		case <-r.Context().Done():
			return
		}
	}
}

func (s *server) handleStreamCancel(w http.ResponseWriter, r *http.Request) {
	handle := relay.Handle(chi.URLParam(r, "id"))
	if err := s.deps.Hub.Cancel(handle); err != nil {
		writeError(w, err)
		return
	}
	slog.LogAttrs(r.Context(), slog.LevelInfo, "stream cancel requested",
		slog.String("stream_id", handle.Short()),
	)
	w.WriteHeader(http.StatusNoContent)
}
