package testutil

import (
	"errors"
	"net/http"
	"sync/atomic"
)

// ErrUnexpectedCall is returned by FailingDoer.
var ErrUnexpectedCall = errors.New("testutil: unexpected transport call")

// FailingDoer is a transport that must never be used. Calls counts attempts.
type FailingDoer struct {
	calls atomic.Int64
}

// Do records the call and fails.
func (d *FailingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls.Add(1)
	return nil, ErrUnexpectedCall
}

// Calls returns how many times Do was invoked.
func (d *FailingDoer) Calls() int64 { return d.calls.Load() }

// DoerFunc adapts a function to the transport.Doer interface.
type DoerFunc func(*http.Request) (*http.Response, error)

// Do calls f(req).
func (f DoerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }
