package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware inflates gzip-encoded request bodies before binding.
// A body that is not valid gzip is rejected with 400 and any other content
// coding with 415.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			coding, ok := requestCoding(req.Header.Get(echo.HeaderContentEncoding))
			if !ok {
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding")
			}
			if coding != "gzip" {
				return next(c)
			}

			zr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &inflatedBody{zr: zr, raw: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// requestCoding reduces a Content-Encoding header to "", "identity" or
// "gzip". Anything else is reported as unsupported.
func requestCoding(header string) (string, bool) {
	coding := ""
	for _, part := range strings.Split(header, ",") {
		switch p := strings.ToLower(strings.TrimSpace(part)); p {
		case "":
		case "identity":
			if coding == "" {
				coding = p
			}
		case "gzip", "x-gzip":
			coding = "gzip"
		default:
			return "", false
		}
	}
	return coding, true
}

type inflatedBody struct {
	zr  *gzip.Reader
	raw io.Closer
}

func (b *inflatedBody) Read(p []byte) (int, error) {
	return b.zr.Read(p)
}

func (b *inflatedBody) Close() error {
	err := b.zr.Close()
	if cerr := b.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
