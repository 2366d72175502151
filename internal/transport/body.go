package transport

import (
	"context"
	"errors"
	"io"
	"time"

	relay "github.com/eugener/relay/internal"
)

const chunkBufferSize = 32 * 1024

// BodySource reads an upstream response body one network read at a time.
// It implements sseframe.ChunkSource.
type BodySource struct {
	ctx     context.Context // request context; its cause explains aborted reads
	body    io.ReadCloser
	buf     []byte
	pending error

	idle  time.Duration
	timer *time.Timer
}

// NewBodySource wraps body. When idle > 0, a read that takes longer than idle
// cancels the request through cancel with cause relay.ErrChunkTimeout.
func NewBodySource(ctx context.Context, cancel context.CancelCauseFunc, body io.ReadCloser, idle time.Duration) *BodySource {
	s := &BodySource{
		ctx:  ctx,
		body: body,
		buf:  make([]byte, chunkBufferSize),
		idle: idle,
	}
	if idle > 0 && cancel != nil {
		s.timer = time.AfterFunc(idle, func() { cancel(relay.ErrChunkTimeout) })
		s.timer.Stop()
	}
	return s
}

// Next returns the bytes of the next read, or io.EOF at end of body. The
// returned slice is only valid until the next call.
func (s *BodySource) Next() ([]byte, error) {
	if s.pending != nil {
		return nil, s.pending
	}
	for {
		if s.timer != nil {
			s.timer.Reset(s.idle)
		}
		n, err := s.body.Read(s.buf)
		if s.timer != nil {
			s.timer.Stop()
		}
		if err != nil {
			s.pending = s.explain(err)
		}
		if n > 0 {
			return s.buf[:n], nil
		}
		if err != nil {
			return nil, s.pending
		}
	}
}

// explain replaces a context error caused by the chunk timeout or by the
// consumer going away with that cause.
func (s *BodySource) explain(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if cause := context.Cause(s.ctx); errors.Is(cause, relay.ErrChunkTimeout) || errors.Is(cause, relay.ErrSinkClosed) {
		return cause
	}
	return err
}

// Close stops the idle timer and closes the body.
func (s *BodySource) Close() error {
	if s.timer != nil {
		s.timer.Stop()
	}
	return s.body.Close()
}
