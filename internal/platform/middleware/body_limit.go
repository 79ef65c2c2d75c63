package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// UploadPathPrefix marks routes that accept document bodies.
const UploadPathPrefix = "/api/v1/documents/"

// multipartOverhead is headroom for multipart boundaries and form fields on
// top of the document size limit.
const multipartOverhead = 64 << 10

// BodyLimit caps request bodies at defaultLimit bytes, except POSTs under
// UploadPathPrefix which may carry a document of up to uploadLimit bytes.
// Oversized bodies get a 413, either up front from Content-Length or while
// the handler reads.
func BodyLimit(defaultLimit, uploadLimit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultLimit
			if req.Method == http.MethodPost && strings.HasPrefix(req.URL.Path, UploadPathPrefix) {
				limit = uploadLimit + multipartOverhead
			}

			if req.ContentLength > limit {
				return payloadTooLargeError(c, limit)
			}

			req.Body = &limitedReadCloser{
				ReadCloser: req.Body,
				remaining:  limit,
			}
			return next(c)
		}
	}
}

// limitedReadCloser fails reads once more than the limit has been consumed,
// even when Content-Length was absent or wrong.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	// Read at most one byte past the limit to detect overflow.
	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

func payloadTooLargeError(c echo.Context, limit int64) error {
	return ErrorJSON(c, http.StatusRequestEntityTooLarge, CodeTooLarge,
		fmt.Sprintf("Request body exceeds maximum allowed size of %d bytes", limit))
}
