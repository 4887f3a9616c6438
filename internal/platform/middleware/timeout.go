package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestTimeout sets a deadline on each request context. The handler chain
// runs on the request goroutine; a chain that gives up with
// context.DeadlineExceeded gets a 504 with the gateway error body. Errors
// that are already HTTP errors, such as an authentication failure caused
// by the deadline, pass through unchanged. Paths under any of the excluded
// prefixes run without a deadline; the upstream proxy enforces its own.
// A zero timeout disables the middleware.
func RequestTimeout(timeout time.Duration, excludedPrefixes ...string) echo.MiddlewareFunc {
	if timeout <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Timeout: timeout,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			for _, p := range excludedPrefixes {
				if strings.HasPrefix(path, p) {
					return true
				}
			}
			return false
		},
		ErrorHandler: func(err error, c echo.Context) error {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return err
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return echo.NewHTTPError(http.StatusGatewayTimeout, InternalErrorBody{
					Error:   "GATEWAY_TIMEOUT",
					Message: "request processing exceeded the allowed time limit",
				}).SetInternal(err)
			}
			return err
		},
	})
}
