package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

type decoderFunc func(io.Reader) (io.ReadCloser, error)

// decoders maps Content-Encoding tokens to body decoders.
var decoders = map[string]decoderFunc{
	"br": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(brotli.NewReader(r)), nil
	},
	"gzip":    newGzip,
	"x-gzip":  newGzip,
	"deflate": zlib.NewReader,
	"zstd": func(r io.Reader) (io.ReadCloser, error) {
		// One goroutine keeps decoding in step with the network reads.
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	},
}

func newGzip(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) }

// DecodeBody replaces resp.Body with a decoder when the upstream answered
// with a single supported Content-Encoding (br, gzip, deflate, zstd) and
// strips the encoding headers. Other bodies are left untouched. It reports
// whether a decoder was installed.
//
// The decoder is created on the first Read, so reading the encoding header
// happens under the caller's read deadline.
func DecodeBody(resp *http.Response) bool {
	if resp.Body == nil || resp.Body == http.NoBody {
		return false
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return false
	}
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	newDecoder, ok := decoders[enc]
	if !ok {
		return false
	}

	resp.Body = &decodedBody{raw: resp.Body, encoding: enc, newDecoder: newDecoder}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return true
}

type decodedBody struct {
	raw        io.ReadCloser
	encoding   string
	newDecoder decoderFunc
	dec        io.ReadCloser
	err        error
}

func (b *decodedBody) Read(p []byte) (int, error) {
	if b.dec == nil && b.err == nil {
		b.dec, b.err = b.newDecoder(b.raw)
		if b.err != nil && !errors.Is(b.err, io.EOF) {
			b.err = fmt.Errorf("decode %s body: %w", b.encoding, b.err)
		}
	}
	if b.err != nil {
		return 0, b.err
	}
	return b.dec.Read(p)
}

func (b *decodedBody) Close() error {
	if b.dec != nil {
		b.dec.Close() //nolint:errcheck
	}
	return b.raw.Close()
}
