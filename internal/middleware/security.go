package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are connection-scoped and must not reach any handler.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// securityHeaders are added to responses that do not already carry them.
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from requests and adds browser hardening headers to responses. Headers are
// added before the handler runs so they also apply to streamed responses. A
// handler may replace them; relayed backend responses drop them entirely.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			header := c.Response().Header()
			for k, v := range securityHeaders {
				if header.Get(k) == "" {
					header.Set(k, v)
				}
			}

			return next(c)
		}
	}
}
