// Package transport builds the HTTP client shared by all relays and exposes
// upstream response bodies as chunk sources.
package transport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures the shared client.
type Options struct {
	UserAgent  string
	Timeout    time.Duration      // whole-exchange timeout; 0 = none (streams rely on per-chunk timeouts)
	Resolver   *dnscache.Resolver // nil = system resolver on every dial
	ForceHTTP2 bool
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			var lastErr error = &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
			for _, ip := range ips {
				conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		}
	}
	return t
}

// NewClient returns the client shared by buffered and streaming relays. Its
// configuration is read-only after construction, so it is safe for
// concurrent use by any number of streams.
func NewClient(opts Options) *http.Client {
	var rt http.RoundTripper = NewTransport(opts.Resolver, opts.ForceHTTP2)
	if opts.UserAgent != "" {
		rt = &userAgentTransport{base: rt, ua: opts.UserAgent}
	}
	return &http.Client{Transport: rt, Timeout: opts.Timeout}
}

// userAgentTransport sets a default User-Agent; a caller-supplied one wins.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(r)
}
