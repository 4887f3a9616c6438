package auth

// VerificationStatus is the credential-verification state of a provider.
type VerificationStatus string

const (
	VerificationPending   VerificationStatus = "PENDING"
	VerificationVerified  VerificationStatus = "VERIFIED"
	VerificationRejected  VerificationStatus = "REJECTED"
	VerificationSuspended VerificationStatus = "SUSPENDED"
	VerificationExpired   VerificationStatus = "EXPIRED"
)

func parseVerificationStatus(raw *string) VerificationStatus {
	if raw == nil {
		return VerificationPending
	}
	switch s := VerificationStatus(*raw); s {
	case VerificationPending, VerificationVerified, VerificationRejected,
		VerificationSuspended, VerificationExpired:
		return s
	}
	return VerificationPending
}

// DomainUser is the request-scoped identity attached by the authentication
// middleware. It is built once per request and must not be modified.
type DomainUser struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"display_name"`
	Email         string     `json:"email,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	RawRoles      []string   `json:"raw_roles"`
	Groups        []string   `json:"groups"`
	Role          DomainRole `json:"role"`
	Specialty     Specialty  `json:"specialty,omitempty"`
	Permissions   []string   `json:"permissions"`

	GivenName      *string `json:"given_name,omitempty"`
	FamilyName     *string `json:"family_name,omitempty"`
	NPINumber      *string `json:"npi_number,omitempty"`
	MedicalLicense *string `json:"medical_license,omitempty"`
	DEANumber      *string `json:"dea_number,omitempty"`
	Department     *string `json:"department,omitempty"`

	VerificationStatus VerificationStatus `json:"verification_status"`
}

// HasSpecialty reports whether a specialty was resolved for the user.
func (u DomainUser) HasSpecialty() bool { return u.Specialty != "" }

// HasPermission reports whether perm is in the user's permission list.
func (u DomainUser) HasPermission(perm string) bool {
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// IsVerifiedProvider reports whether the user holds a clinical role and has
// been verified.
func (u DomainUser) IsVerifiedProvider() bool {
	return u.Role.IsClinical() && u.VerificationStatus == VerificationVerified
}

// Materialize builds the DomainUser for validated claims and their role
// mapping. It performs no I/O and returns equal users for equal inputs.
func Materialize(claims *TokenClaims, mapping RoleMapping) DomainUser {
	user := DomainUser{
		ID:                 claims.Subject,
		DisplayName:        firstNonEmpty(claims.PreferredUsername, claims.Email, claims.Subject),
		Email:              claims.Email,
		EmailVerified:      claims.EmailVerified,
		RawRoles:           claims.RawRoles(),
		Groups:             []string{},
		Role:               mapping.Role,
		Permissions:        append([]string(nil), mapping.Permissions...),
		GivenName:          copyString(claims.GivenName),
		FamilyName:         copyString(claims.FamilyName),
		NPINumber:          copyString(claims.NPINumber),
		MedicalLicense:     copyString(claims.MedicalLicense),
		DEANumber:          copyString(claims.DEANumber),
		Department:         copyString(claims.Department),
		VerificationStatus: parseVerificationStatus(claims.VerificationStatus),
	}
	if user.Permissions == nil {
		user.Permissions = []string{}
	}

	switch {
	case mapping.Specialty != "":
		user.Specialty = mapping.Specialty
	case claims.Specialty != nil && *claims.Specialty != "":
		user.Specialty = normalizeSpecialty(*claims.Specialty)
	}

	return user
}

// clone returns a deep copy so context readers cannot mutate the stored user.
func (u DomainUser) clone() DomainUser {
	c := u
	c.RawRoles = append([]string{}, u.RawRoles...)
	c.Groups = append([]string{}, u.Groups...)
	c.Permissions = append([]string{}, u.Permissions...)
	c.GivenName = copyString(u.GivenName)
	c.FamilyName = copyString(u.FamilyName)
	c.NPINumber = copyString(u.NPINumber)
	c.MedicalLicense = copyString(u.MedicalLicense)
	c.DEANumber = copyString(u.DEANumber)
	c.Department = copyString(u.Department)
	return c
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
