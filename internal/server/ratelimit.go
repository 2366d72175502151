package server

import (
	"math"
	"net"
	"net/http"
	"strconv"

	relay "github.com/eugener/relay/internal"
	"github.com/eugener/relay/internal/ratelimit"
)

// callerKey identifies the caller for rate limiting: the authenticated key
// fingerprint, or the remote host for anonymous callers.
func callerKey(r *http.Request) string {
	if id := relay.IdentityFromContext(r.Context()); id != nil && id.KeyID != "" {
		return "key:" + id.KeyID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// rateLimit applies the per-caller request budget to every relay call.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := s.deps.RateLimits.Get(callerKey(r)).AllowRequest()
		if !admit(w, res) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowStream applies the per-caller stream-start budget.
func (s *server) allowStream(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.RateLimits == nil {
		return true
	}
	return admit(w, s.deps.RateLimits.Get(callerKey(r)).AllowStream())
}

// admit writes the rate limit headers and, when res denies the call, the
// 429 response. It reports whether the call may proceed.
func admit(w http.ResponseWriter, res ratelimit.Result) bool {
	if res.Limit > 0 {
		h := w.Header()
		h["X-Ratelimit-Limit"] = []string{strconv.FormatInt(res.Limit, 10)}
		h["X-Ratelimit-Remaining"] = []string{strconv.FormatInt(res.Remaining, 10)}
	}
	if res.Allowed {
		return true
	}
	w.Header()["Retry-After"] = []string{strconv.Itoa(int(math.Ceil(res.RetryAfterSeconds)))}
	writeError(w, relay.ErrRateLimited)
	return false
}
