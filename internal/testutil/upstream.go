package testutil

import (
	"net/http"
	"time"
)

// SSEHandler returns a handler that writes each chunk as a separate flushed
// write with an optional pause between writes.
func SSEHandler(pause time.Duration, chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for i, c := range chunks {
			if i > 0 && pause > 0 {
				select {
				case <-time.After(pause):
				case <-r.Context().Done():
					return
				}
			}
			w.Write([]byte(c)) //nolint:errcheck
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// StallHandler writes head, flushes, then blocks until the client goes away.
func StallHandler(head string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(head)) //nolint:errcheck
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}
}

// StatusHandler replies with status and body.
func StatusHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body)) //nolint:errcheck
	}
}
