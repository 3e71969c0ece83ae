package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns middleware that sets security response headers on
// every request. The authorization pages (login, patient picker, consent)
// render server-side HTML with inline styles and form posts, so they get a
// form-friendly policy; everything else is a JSON API and denies all
// resource loading.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "0")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			if isAuthPage(c.Request().URL.Path) {
				h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'")
			} else {
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
				// API responses may carry PHI and must not be cached.
				h.Set("Cache-Control", "no-store")
			}

			return next(c)
		}
	}
}

func isAuthPage(path string) bool {
	switch {
	case path == "/login",
		strings.HasPrefix(path, "/patient-picker"),
		strings.HasPrefix(path, "/consent"),
		strings.HasPrefix(path, "/oauth2/authorize"):
		return true
	}
	return false
}
