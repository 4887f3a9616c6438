package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/authgateway/internal/platform/auth"
)

// Identity headers forwarded to upstream services.
const (
	HeaderUserID           = "X-User-ID"
	HeaderUserRole         = "X-User-Role"
	HeaderUserSpecialty    = "X-User-Specialty"
	HeaderUserPermissions  = "X-User-Permissions"
	HeaderUserVerification = "X-User-Verification-Status"
)

const identityHeaderPrefix = "X-User-"

// IdentityHeaders replaces any client-supplied X-User-* headers with the
// identity the authenticator attached. Upstreams behind the gateway trust
// these headers, so inbound copies are always dropped.
func IdentityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			stripIdentityHeaders(req.Header)

			user, ok := auth.UserFromContext(req.Context())
			if !ok {
				return next(c)
			}

			req.Header.Set(HeaderUserID, user.ID)
			req.Header.Set(HeaderUserRole, string(user.Role))
			if user.HasSpecialty() {
				req.Header.Set(HeaderUserSpecialty, string(user.Specialty))
			}
			if len(user.Permissions) > 0 {
				req.Header.Set(HeaderUserPermissions, strings.Join(user.Permissions, ","))
			}
			req.Header.Set(HeaderUserVerification, string(user.VerificationStatus))
			return next(c)
		}
	}
}

func stripIdentityHeaders(h http.Header) {
	for k := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(k), identityHeaderPrefix) {
			h.Del(k)
		}
	}
}
