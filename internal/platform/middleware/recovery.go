package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// InternalErrorBody is returned for recovered panics and unexpected timeouts
// so clients always receive the gateway's JSON error shape.
type InternalErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				logger.Error().
					Str("request_id", RequestIDFrom(c)).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, InternalErrorBody{
					Error:   "INTERNAL_ERROR",
					Message: "internal server error",
				}).SetInternal(fmt.Errorf("panic: %v", r))
			}()
			return next(c)
		}
	}
}
