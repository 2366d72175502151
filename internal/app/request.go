// Package app implements the relay services: the buffered bridge and the
// streaming orchestrator.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	relay "github.com/eugener/relay/internal"
)

// newUpstreamRequest builds the outgoing request. Caller headers are applied
// in sorted key order so that names differing only in case resolve the same
// way every time (last write wins).
func newUpstreamRequest(ctx context.Context, method string, req *relay.Request, extra http.Header) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = strings.NewReader(*req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, relay.NewError(relay.ErrInvalidURL, fmt.Sprintf("Failed to build request: %v", err))
	}
	for k, vals := range extra {
		out.Header[k] = vals
	}
	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		out.Header.Set(k, req.Headers[k])
	}
	return out, nil
}

// upstreamHost returns the host of a validated URL for logs and span attributes.
func upstreamHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
