package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers,
// identifies the mirror in X-Powered-By and strips hop-by-hop headers from
// requests. Headers are set before the handler runs because streamed
// responses are committed inside it.
func SecurityHeaders(poweredBy string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			header := c.Response().Header()
			header.Set(echo.HeaderXContentTypeOptions, "nosniff")
			header.Set(echo.HeaderXFrameOptions, "SAMEORIGIN")
			if poweredBy != "" {
				header.Set("X-Powered-By", poweredBy)
			}

			return next(c)
		}
	}
}
