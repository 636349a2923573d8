package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

const acceptEncoding = "br, gzip, deflate"

// decompressTransport advertises brotli, gzip and deflate and transparently
// decodes compressed vendor responses, including event streams.
type decompressTransport struct {
	next http.RoundTripper
}

func (t *decompressTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" && req.Header.Get("Range") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	encoding := strings.ToLower(strings.TrimSpace(strings.Split(resp.Header.Get("Content-Encoding"), ",")[0]))
	var body io.ReadCloser
	switch encoding {
	case "br":
		body = &decodedBody{Reader: brotli.NewReader(resp.Body), raw: resp.Body}
	case "gzip":
		body = &lazyGzip{raw: resp.Body}
	case "deflate":
		fr := flate.NewReader(resp.Body)
		body = &decodedBody{Reader: fr, raw: resp.Body, dec: fr}
	default:
		return resp, nil
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

// decodedBody reads through a decoder and closes the raw body.
type decodedBody struct {
	io.Reader
	raw io.Closer
	dec io.Closer
}

func (b *decodedBody) Close() error {
	if b.dec != nil {
		_ = b.dec.Close()
	}
	return b.raw.Close()
}

// lazyGzip defers reading the gzip header until the first Read so that a
// stream's first bytes are not required to return the response.
type lazyGzip struct {
	raw io.ReadCloser
	zr  *gzip.Reader
	err error
}

func (g *lazyGzip) Read(p []byte) (int, error) {
	if g.err != nil {
		return 0, g.err
	}
	if g.zr == nil {
		zr, err := gzip.NewReader(g.raw)
		if err != nil {
			g.err = err
			return 0, err
		}
		g.zr = zr
	}
	return g.zr.Read(p)
}

func (g *lazyGzip) Close() error {
	if g.zr != nil {
		_ = g.zr.Close()
	}
	return g.raw.Close()
}
