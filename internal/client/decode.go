package client

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// decodedBody closes the decoder (when it is closable) and the raw body.
type decodedBody struct {
	io.Reader
	decoder io.Closer
	raw     io.Closer
}

func (d *decodedBody) Close() error {
	var err error
	if d.decoder != nil {
		err = d.decoder.Close()
	}
	if cerr := d.raw.Close(); err == nil {
		err = cerr
	}
	return err
}

// decodeBody wraps resp.Body in a decoder for its Content-Encoding. On
// success the Content-Encoding and Content-Length headers are removed and
// decoded is true. Unknown encodings are left alone.
func decodeBody(resp *http.Response) (body io.ReadCloser, decoded bool, err error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var (
		r       io.Reader
		decoder io.Closer
	)
	switch enc {
	case "", "identity":
		return resp.Body, false, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("gzip: %w", err)
		}
		r, decoder = zr, zr
	case "br", "brotli":
		r = brotli.NewReader(resp.Body)
	case "deflate":
		rc, err := newDeflateReader(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("deflate: %w", err)
		}
		r, decoder = rc, rc
	default:
		return resp.Body, false, nil
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return &decodedBody{Reader: r, decoder: decoder, raw: resp.Body}, true, nil
}

// newDeflateReader accepts both zlib-wrapped and raw deflate streams;
// servers disagree on what "deflate" means.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err == nil && isZlibHeader(head[0], head[1]) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
