package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Code is the machine-readable error code returned in the "error" field of
// every rejection body. Clients branch on it, so values never change.
type Code string

const (
	CodeMissingToken            Code = "MISSING_TOKEN"
	CodeInvalidToken            Code = "INVALID_TOKEN"
	CodeAuthenticationError     Code = "AUTHENTICATION_ERROR"
	CodeInvalidTokenType        Code = "INVALID_TOKEN_TYPE"
	CodeTokenTooNew             Code = "TOKEN_TOO_NEW"
	CodeTokenTooOld             Code = "TOKEN_TOO_OLD"
	CodeTokenRevoked            Code = "TOKEN_REVOKED"
	CodeAuthenticationRequired  Code = "AUTHENTICATION_REQUIRED"
	CodeInsufficientRole        Code = "INSUFFICIENT_ROLE"
	CodeInsufficientSpecialty   Code = "INSUFFICIENT_SPECIALTY"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeProviderRoleRequired    Code = "PROVIDER_ROLE_REQUIRED"
	CodeProviderNotVerified     Code = "PROVIDER_NOT_VERIFIED"
)

// Error is a rejection produced by the authentication middleware, the token
// validator, or one of the authorization guards.
type Error struct {
	Status  int
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorResponse is the JSON body written for every rejected request.
type ErrorResponse struct {
	Error   Code           `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response returns the JSON body for this error.
func (e *Error) Response() ErrorResponse {
	return ErrorResponse{Error: e.Code, Message: e.Message, Details: e.Details}
}

// HTTPError converts the error into an echo.HTTPError. Echo's error handler
// serializes non-string messages as-is, so the client receives the
// ErrorResponse body; the cause is kept as the internal error for logging.
func (e *Error) HTTPError() *echo.HTTPError {
	he := echo.NewHTTPError(e.Status, e.Response())
	if e.Cause != nil {
		he = he.SetInternal(e.Cause)
	}
	return he
}

func newError(status int, code Code, message string, cause error) *Error {
	return &Error{Status: status, Code: code, Message: message, Cause: cause}
}

func errMissingToken() *Error {
	return newError(http.StatusUnauthorized, CodeMissingToken, "authorization bearer token is required", nil)
}

func errInvalidToken(cause error) *Error {
	return newError(http.StatusUnauthorized, CodeInvalidToken, "token is invalid or expired", cause)
}

func errAuthentication(cause error) *Error {
	return newError(http.StatusInternalServerError, CodeAuthenticationError, "unable to authenticate request", cause)
}

func errAuthenticationRequired() *Error {
	return newError(http.StatusUnauthorized, CodeAuthenticationRequired, "authentication is required", nil)
}

// AsError extracts an *Error from err. Errors that are not part of the auth
// taxonomy are reported as infrastructure failures.
func AsError(err error) *Error {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}
	return errAuthentication(err)
}
