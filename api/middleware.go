package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var errUnsupportedEncoding = errors.New("unsupported content encoding")

// DecodeRequestBody undoes the Content-Encoding of task route bodies. Only
// gzip and identity are accepted; other codings get a 415 and a body that is
// not valid gzip gets a 400, both in the task envelope.
func DecodeRequestBody() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			compressed, err := gzipEncoded(req.Header.Get(echo.HeaderContentEncoding))
			if err != nil {
				return fail(c, http.StatusUnsupportedMediaType, "Unsupported content encoding")
			}
			if !compressed {
				return next(c)
			}

			gr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return fail(c, http.StatusBadRequest, "Invalid request body")
			}
			req.Body = &gzipReadCloser{Reader: gr, body: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// gzipEncoded reports whether the listed codings amount to a single gzip
// layer. Stacked gzip is refused along with unknown codings.
func gzipEncoded(header string) (bool, error) {
	compressed := false
	for enc := range strings.SplitSeq(header, ",") {
		switch strings.ToLower(strings.TrimSpace(enc)) {
		case "", "identity":
		case "gzip", "x-gzip":
			if compressed {
				return false, errUnsupportedEncoding
			}
			compressed = true
		default:
			return false, errUnsupportedEncoding
		}
	}
	return compressed, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
