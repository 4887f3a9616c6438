package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/authgateway/internal/platform/auth"
)

// Decision values recorded in AuditEntry.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
	DecisionError   = "error"
)

// AuditEntry records one access decision made by the gateway.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	UserID     string
	Role       auth.DomainRole
	Specialty  auth.Specialty
	Method     string
	Path       string
	Action     string
	StatusCode int
	Decision   string
	// ErrorCode is the auth error code when the request was rejected by
	// authentication or a guard.
	ErrorCode auth.Code
	IPAddress string
	UserAgent string
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// DefaultAuditPrefixes are the protected route trees.
var DefaultAuditPrefixes = []string{"/api/", "/auth/", "/emr/"}

// Audit logs an access decision for every request under prefixes. The
// entry is built after the handler chain returns so it sees the user the
// authenticator attached and the guard outcome. Entries are always logged
// and are additionally passed to recorder when one is given.
func Audit(logger zerolog.Logger, recorder AuditRecorder, prefixes ...string) echo.MiddlewareFunc {
	if len(prefixes) == 0 {
		prefixes = DefaultAuditPrefixes
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !hasAnyPrefix(c.Request().URL.Path, prefixes) {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c, err)
			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.Decision != DecisionAllowed {
				evt = logger.Warn()
			}
			evt.
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", string(entry.Role)).
				Str("specialty", string(entry.Specialty)).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Int("status", entry.StatusCode).
				Str("decision", entry.Decision).
				Str("error_code", string(entry.ErrorCode)).
				Str("remote_ip", entry.IPAddress).
				Msg("access_decision")

			return err
		}
	}
}

func buildAuditEntry(c echo.Context, err error) AuditEntry {
	req := c.Request()
	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		RequestID:  RequestIDFrom(c),
		Method:     req.Method,
		Path:       req.URL.Path,
		Action:     httpMethodToAction(req.Method),
		StatusCode: c.Response().Status,
		Decision:   DecisionAllowed,
		IPAddress:  c.RealIP(),
		UserAgent:  req.UserAgent(),
	}

	if user, ok := auth.UserFromContext(req.Context()); ok {
		entry.UserID = user.ID
		entry.Role = user.Role
		entry.Specialty = user.Specialty
	}

	if err == nil {
		return entry
	}

	entry.StatusCode = statusOf(err)
	entry.Decision = DecisionError
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if body, ok := he.Message.(auth.ErrorResponse); ok {
			entry.ErrorCode = body.Error
		}
		if he.Code == http.StatusUnauthorized || he.Code == http.StatusForbidden {
			entry.Decision = DecisionDenied
		}
	}
	return entry
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
