package transport

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

func encode(t *testing.T, encoding, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case "br":
		w = brotli.NewWriter(&buf)
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatal(err)
		}
		w = zw
	default:
		t.Fatalf("no encoder for %q", encoding)
	}
	if _, err := io.WriteString(w, s); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func encodedResponse(encoding string, body []byte) *http.Response {
	h := http.Header{}
	h.Set("Content-Encoding", encoding)
	h.Set("Content-Length", "123")
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       &http.Request{Method: http.MethodGet},
	}
}

func TestDecodeBody(t *testing.T) {
	t.Parallel()

	const text = "data: {\"a\":1}\n\ndata: héllo\n\n"
	for _, enc := range []string{"br", "gzip", "deflate", "zstd"} {
		t.Run(enc, func(t *testing.T) {
			t.Parallel()
			resp := encodedResponse(enc, encode(t, enc, text))
			if !DecodeBody(resp) {
				t.Fatal("DecodeBody = false")
			}
			got, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != text {
				t.Errorf("body = %q, want %q", got, text)
			}
			if resp.Header.Get("Content-Encoding") != "" || resp.Header.Get("Content-Length") != "" {
				t.Errorf("encoding headers kept: %v", resp.Header)
			}
			if resp.ContentLength != -1 || !resp.Uncompressed {
				t.Errorf("ContentLength = %d, Uncompressed = %v", resp.ContentLength, resp.Uncompressed)
			}
			if err := resp.Body.Close(); err != nil {
				t.Errorf("close: %v", err)
			}
		})
	}
}

func TestDecodeBody_Untouched(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp func() *http.Response
	}{
		{"identity", func() *http.Response {
			r := encodedResponse("", []byte("plain"))
			r.Header.Del("Content-Encoding")
			return r
		}},
		{"unknown", func() *http.Response { return encodedResponse("compress", []byte("x")) }},
		{"stacked", func() *http.Response { return encodedResponse("gzip, br", []byte("x")) }},
		{"head", func() *http.Response {
			r := encodedResponse("gzip", nil)
			r.Request.Method = http.MethodHead
			return r
		}},
		{"no content", func() *http.Response {
			r := encodedResponse("gzip", nil)
			r.StatusCode = http.StatusNoContent
			return r
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := tt.resp()
			if DecodeBody(resp) {
				t.Error("DecodeBody = true")
			}
			if resp.Header.Get("Content-Length") == "" {
				t.Error("headers modified")
			}
		})
	}
}

func TestDecodeBody_CorruptStream(t *testing.T) {
	t.Parallel()

	resp := encodedResponse("gzip", []byte("definitely not gzip"))
	DecodeBody(resp)
	_, err := io.ReadAll(resp.Body)
	if err == nil || !strings.Contains(err.Error(), "decode gzip body") {
		t.Errorf("err = %v, want decode gzip body error", err)
	}
}

func TestDecodeBody_EmptyGzipIsEOF(t *testing.T) {
	t.Parallel()

	resp := encodedResponse("gzip", nil)
	DecodeBody(resp)
	got, err := io.ReadAll(resp.Body)
	if err != nil || len(got) != 0 {
		t.Errorf("ReadAll = %q, %v; want empty, nil", got, err)
	}
}
