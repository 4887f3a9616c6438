package auth

import (
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// BearerTokenType is the "typ" value Keycloak puts on access tokens.
const BearerTokenType = "Bearer"

// RoleSet is the "roles" wrapper used by both realm_access and each
// resource_access bucket.
type RoleSet struct {
	Roles []string `json:"roles"`
}

// TokenClaims is the closed set of claims the gateway reads from a verified
// access token. Any claim not listed here is ignored.
type TokenClaims struct {
	jwt.RegisteredClaims

	TokenType         string             `json:"typ,omitempty"`
	PreferredUsername string             `json:"preferred_username,omitempty"`
	RealmAccess       RoleSet            `json:"realm_access"`
	ResourceAccess    map[string]RoleSet `json:"resource_access,omitempty"`

	Email              string  `json:"email,omitempty"`
	EmailVerified      bool    `json:"email_verified,omitempty"`
	GivenName          *string `json:"given_name,omitempty"`
	FamilyName         *string `json:"family_name,omitempty"`
	NPINumber          *string `json:"npi_number,omitempty"`
	MedicalLicense     *string `json:"medical_license,omitempty"`
	DEANumber          *string `json:"dea_number,omitempty"`
	Specialty          *string `json:"specialty,omitempty"`
	Department         *string `json:"department,omitempty"`
	VerificationStatus *string `json:"verification_status,omitempty"`
}

// RawRoles returns the union of realm roles and every resource_access bucket,
// sorted and without duplicates.
func (c *TokenClaims) RawRoles() []string {
	seen := make(map[string]struct{}, len(c.RealmAccess.Roles))
	for _, r := range c.RealmAccess.Roles {
		seen[r] = struct{}{}
	}
	for _, bucket := range c.ResourceAccess {
		for _, r := range bucket.Roles {
			seen[r] = struct{}{}
		}
	}

	roles := make([]string, 0, len(seen))
	for r := range seen {
		if r == "" {
			continue
		}
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// hasRawRole reports whether role appears in realm_access or any
// resource_access bucket. Empty roles never match, as RawRoles drops them.
func (c *TokenClaims) hasRawRole(role string) bool {
	if role == "" {
		return false
	}
	for _, r := range c.RealmAccess.Roles {
		if r == role {
			return true
		}
	}
	for _, bucket := range c.ResourceAccess {
		for _, r := range bucket.Roles {
			if r == role {
				return true
			}
		}
	}
	return false
}

// normalizeSpecialty converts free-form specialty claims such as
// "emergency-medicine" or "Cardiology" into the Specialty vocabulary.
func normalizeSpecialty(raw string) Specialty {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return Specialty(s)
}
