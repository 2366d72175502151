package testutil

import (
	"context"
	"net/http"

	relay "github.com/eugener/relay/internal"
)

// FakeAuth always authenticates successfully.
type FakeAuth struct{}

// Authenticate returns a test identity.
func (FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*relay.Identity, error) {
	return &relay.Identity{KeyID: "testkey0"}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*relay.Identity, error) {
	return nil, relay.ErrUnauthorized
}
