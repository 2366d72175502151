package sseframe

import (
	"errors"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	relay "github.com/eugener/relay/internal"
)

// utf8Decoder validates chunk bytes as UTF-8. A multi-byte sequence split
// across two chunks is held back until its remaining bytes arrive, so chunk
// boundaries never produce spurious decode errors.
type utf8Decoder struct {
	pending []byte // incomplete trailing sequence, at most 3 bytes
	offset  int64  // bytes validated so far, for error reporting
}

// decode returns the validated text of chunk, prefixed by any bytes held
// back from the previous call.
func (d *utf8Decoder) decode(chunk []byte) (string, error) {
	src := chunk
	if len(d.pending) > 0 {
		src = append(d.pending, chunk...)
		d.pending = nil
	}

	dst := make([]byte, len(src))
	nDst, nSrc, err := encoding.UTF8Validator.Transform(dst, src, false)
	switch {
	case err == nil:
	case errors.Is(err, transform.ErrShortSrc):
		d.pending = append([]byte(nil), src[nSrc:]...)
	default:
		return "", fmt.Errorf("%w at stream offset %d", relay.ErrDecode, d.offset+int64(nSrc))
	}
	d.offset += int64(nSrc)
	return string(dst[:nDst]), nil
}

// finish reports an error if the stream ended inside a multi-byte sequence.
func (d *utf8Decoder) finish() error {
	if len(d.pending) == 0 {
		return nil
	}
	d.pending = nil
	return fmt.Errorf("%w at stream offset %d: truncated sequence at end of stream", relay.ErrDecode, d.offset)
}
