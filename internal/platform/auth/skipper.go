package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists routes that bypass authentication: infrastructure
// endpoints polled by orchestrators and scrapers without credentials.
var publicPaths = map[string]bool{
	"/health":     true,
	"/health/db":  true,
	"/health/idp": true,
	"/metrics":    true,
}

// AuthSkipper reports whether the matched route should skip authentication.
// Use it as AuthenticatorConfig.Skipper.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is a public infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
