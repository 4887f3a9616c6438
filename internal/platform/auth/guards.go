package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/authgateway/internal/platform/telemetry"
)

// guard adapts a predicate over the authenticated user into middleware. A
// request reaching a guard without a user is rejected, never passed through.
func guard(name string, check func(DomainUser) *Error) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, ok := UserFromContext(c.Request().Context())
			if !ok {
				telemetry.RecordAuthDecision(name, string(CodeAuthenticationRequired))
				return errAuthenticationRequired().HTTPError()
			}
			if err := check(user); err != nil {
				telemetry.RecordAuthDecision(name, string(err.Code))
				return err.HTTPError()
			}
			telemetry.RecordAuthDecision(name, "ok")
			return next(c)
		}
	}
}

// RequireRole passes users whose domain role is one of roles.
func RequireRole(roles ...DomainRole) echo.MiddlewareFunc {
	return guard("require_role", func(u DomainUser) *Error {
		for _, r := range roles {
			if u.Role == r {
				return nil
			}
		}
		err := newError(http.StatusForbidden, CodeInsufficientRole,
			fmt.Sprintf("required role: %s; current role: %s", joinRoles(roles), u.Role), nil)
		err.Details = map[string]any{
			"required_roles": roles,
			"current_role":   u.Role,
		}
		return err
	})
}

// RequireSpecialty passes users whose resolved specialty is one of
// specialties. Users without a specialty never pass.
func RequireSpecialty(specialties ...Specialty) echo.MiddlewareFunc {
	return guard("require_specialty", func(u DomainUser) *Error {
		if u.HasSpecialty() {
			for _, s := range specialties {
				if u.Specialty == s {
					return nil
				}
			}
		}
		err := newError(http.StatusForbidden, CodeInsufficientSpecialty,
			fmt.Sprintf("required specialty: %s", joinSpecialties(specialties)), nil)
		err.Details = map[string]any{
			"required_specialties": specialties,
		}
		if u.HasSpecialty() {
			err.Details["current_specialty"] = u.Specialty
		}
		return err
	})
}

// RequireVerifiedProvider passes clinical users whose credentials have been
// verified.
func RequireVerifiedProvider() echo.MiddlewareFunc {
	return guard("require_verified_provider", func(u DomainUser) *Error {
		if !u.Role.IsClinical() {
			err := newError(http.StatusForbidden, CodeProviderRoleRequired,
				"a clinical provider role is required", nil)
			err.Details = map[string]any{"current_role": u.Role}
			return err
		}
		if u.VerificationStatus != VerificationVerified {
			err := newError(http.StatusForbidden, CodeProviderNotVerified,
				"provider credentials have not been verified", nil)
			err.Details = map[string]any{"verification_status": u.VerificationStatus}
			return err
		}
		return nil
	})
}

// RequirePermission passes users holding every permission in perms.
func RequirePermission(perms ...string) echo.MiddlewareFunc {
	return guard("require_permission", func(u DomainUser) *Error {
		var missing []string
		for _, p := range perms {
			if !u.HasPermission(p) {
				missing = append(missing, p)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		err := newError(http.StatusForbidden, CodeInsufficientPermissions,
			fmt.Sprintf("missing permission: %s", strings.Join(missing, ", ")), nil)
		err.Details = map[string]any{"missing_permissions": missing}
		return err
	})
}

func joinRoles(roles []DomainRole) string {
	s := make([]string, len(roles))
	for i, r := range roles {
		s[i] = string(r)
	}
	return strings.Join(s, " or ")
}

func joinSpecialties(specialties []Specialty) string {
	s := make([]string, len(specialties))
	for i, sp := range specialties {
		s[i] = string(sp)
	}
	return strings.Join(s, " or ")
}
