// Package auth implements static API key authentication for the relay.
// Configured keys are kept only as SHA-256 digests and compared in
// constant time.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	relay "github.com/eugener/relay/internal"
)

// APIKeyAuth authenticates requests carrying one of a fixed set of bearer keys.
type APIKeyAuth struct {
	digests [][sha256.Size]byte
}

// NewAPIKeyAuth returns an authenticator accepting keys. Empty entries are ignored.
func NewAPIKeyAuth(keys ...string) *APIKeyAuth {
	a := &APIKeyAuth{}
	for _, k := range keys {
		if k == "" {
			continue
		}
		a.digests = append(a.digests, sha256.Sum256([]byte(k)))
	}
	return a
}

// Enabled reports whether any key is configured.
func (a *APIKeyAuth) Enabled() bool { return len(a.digests) > 0 }

// Authenticate extracts a Bearer token from the Authorization header and
// matches it against the configured keys.
func (a *APIKeyAuth) Authenticate(_ context.Context, r *http.Request) (*relay.Identity, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, relay.ErrUnauthorized
	}

	sum := sha256.Sum256([]byte(raw))
	match := 0
	for i := range a.digests {
		// Every digest is compared so timing does not reveal which key matched.
		match |= subtle.ConstantTimeCompare(sum[:], a.digests[i][:])
	}
	if match != 1 {
		return nil, relay.ErrUnauthorized
	}
	return &relay.Identity{KeyID: hex.EncodeToString(sum[:4])}, nil
}

// Anonymous accepts every request. Used when no key is configured.
type Anonymous struct{}

// Authenticate returns an empty identity.
func (Anonymous) Authenticate(context.Context, *http.Request) (*relay.Identity, error) {
	return &relay.Identity{}, nil
}
