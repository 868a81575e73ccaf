package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"finance-proxy/internal/config"
)

// SPA serves the compiled client bundle from cfg.Static.Root. A GET or HEAD
// for a path with no matching file receives the entry document with 200 so
// client-side routing can resolve it. Other methods are never served from
// disk and end in the router's 404.
//
// When forwarding is enabled, paths under the API prefix skip the filesystem
// entirely; without a backend they are treated like any other SPA path.
func SPA(cfg *config.Config) echo.MiddlewareFunc {
	prefix := cfg.Backend.Prefix
	forwarding := cfg.Backend.Enabled()

	return echomw.StaticWithConfig(echomw.StaticConfig{
		Skipper: func(c echo.Context) bool {
			req := c.Request()
			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				return true
			}
			return forwarding && underPrefix(req.URL.Path, prefix)
		},
		Root:  cfg.Static.Root,
		Index: cfg.Static.Index,
		HTML5: true,
	})
}

func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
