package relay

import "errors"

// Sentinel errors for the relay domain.
var (
	ErrBadRequest        = errors.New("bad request")
	ErrUnsupportedMethod = errors.New("unsupported method")
	ErrInvalidURL        = errors.New("invalid url")
	ErrTransport         = errors.New("transport error")
	ErrUpstreamStatus    = errors.New("upstream error status")
	ErrBodyRead          = errors.New("response body read failed")
	ErrDecode            = errors.New("invalid UTF-8")
	ErrChunkTimeout      = errors.New("chunk read timeout")
	ErrSinkClosed        = errors.New("sink closed")
	ErrSinkFull          = errors.New("sink full")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrGone              = errors.New("gone")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrShuttingDown      = errors.New("shutting down")
)

// Error is the caller-facing failure of a relay call. Status is set only when
// an upstream response arrived but its body could not be read.
type Error struct {
	Message string `json:"message"`
	Status  *int   `json:"status,omitempty"`

	err error
}

// NewError returns an Error with the given message wrapping kind, so callers
// can still match the sentinel with errors.Is.
func NewError(kind error, msg string) *Error {
	return &Error{Message: msg, err: kind}
}

// WithStatus returns e with Status set to status.
func (e *Error) WithStatus(status int) *Error {
	e.Status = &status
	return e
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.err }
