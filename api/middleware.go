package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// requestBodyMaxSize caps every request body, compressed or not. The
// largest legitimate payload is an objective with its key results, well
// under this.
const requestBodyMaxSize = 256 * 1024 // 256 KiB

// RequestBodyMiddleware bounds the request body and transparently
// decompresses gzip-encoded payloads, so handlers always see plain, capped
// JSON. A declared length over the cap is a 413; an invalid gzip stream is
// a 400; a chunked body that grows past the cap fails the handler's decode.
func RequestBodyMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.ContentLength > requestBodyMaxSize {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
			}
			if req.Body != nil && req.Body != http.NoBody {
				req.Body = http.MaxBytesReader(c.Response(), req.Body, requestBodyMaxSize)
			}

			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			// The cap applies to the decompressed stream too: a tiny body
			// cannot expand past it. Reads beyond the limit are truncated,
			// which fails the JSON decode.
			req.Body = &boundedGzipBody{
				limited: io.LimitReader(gr, requestBodyMaxSize),
				gz:      gr,
				body:    body,
			}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// boundedGzipBody reads the size-limited decompressed stream and closes
// both the gzip reader and the underlying body.
type boundedGzipBody struct {
	limited io.Reader
	gz      *gzip.Reader
	body    io.Closer
}

func (b *boundedGzipBody) Read(p []byte) (int, error) {
	return b.limited.Read(p)
}

func (b *boundedGzipBody) Close() error {
	err := b.gz.Close()
	if b.body != nil {
		if cerr := b.body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
