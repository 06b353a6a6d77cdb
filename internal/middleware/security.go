package middleware

import (
	"github.com/labstack/echo/v4"

	"sendfile-worker/internal/model"
)

// strippedRequestHeaders are removed from inbound requests before they reach
// the worker: hop-by-hop headers, and the directive header so a client cannot
// smuggle one in.
var strippedRequestHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	model.HeaderSendfile,
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop and
// directive headers from requests and adds security headers to responses.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range strippedRequestHeaders {
				c.Request().Header.Del(h)
			}

			// Set before next: the gateway streams, so headers go out early.
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
