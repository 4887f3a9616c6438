package auth

import "fmt"

// DomainRole is the platform's own role vocabulary, independent of the raw
// role strings configured in the identity provider.
type DomainRole string

const (
	RolePatient       DomainRole = "PATIENT"
	RoleProvider      DomainRole = "PROVIDER"
	RoleNurse         DomainRole = "NURSE"
	RolePharmacist    DomainRole = "PHARMACIST"
	RoleLabTechnician DomainRole = "LAB_TECHNICIAN"
	RoleReceptionist  DomainRole = "RECEPTIONIST"
	RoleAdmin         DomainRole = "ADMIN"
)

var knownRoles = map[DomainRole]bool{
	RolePatient:       true,
	RoleProvider:      true,
	RoleNurse:         true,
	RolePharmacist:    true,
	RoleLabTechnician: true,
	RoleReceptionist:  true,
	RoleAdmin:         true,
}

// clinicalRoles are the roles that carry a clinical credential and are
// therefore subject to provider verification.
var clinicalRoles = map[DomainRole]bool{
	RoleProvider:   true,
	RoleNurse:      true,
	RolePharmacist: true,
}

// Valid reports whether r is part of the DomainRole vocabulary.
func (r DomainRole) Valid() bool { return knownRoles[r] }

// IsClinical reports whether r is a clinical-provider role.
func (r DomainRole) IsClinical() bool { return clinicalRoles[r] }

// Specialty is a medical domain tag attached to provider users.
type Specialty string

const (
	SpecialtyCardiology        Specialty = "CARDIOLOGY"
	SpecialtyOncology          Specialty = "ONCOLOGY"
	SpecialtyPediatrics        Specialty = "PEDIATRICS"
	SpecialtyNeurology         Specialty = "NEUROLOGY"
	SpecialtyDermatology       Specialty = "DERMATOLOGY"
	SpecialtyOrthopedics       Specialty = "ORTHOPEDICS"
	SpecialtyPsychiatry        Specialty = "PSYCHIATRY"
	SpecialtyRadiology         Specialty = "RADIOLOGY"
	SpecialtyEmergencyMedicine Specialty = "EMERGENCY_MEDICINE"
	SpecialtyFamilyMedicine    Specialty = "FAMILY_MEDICINE"
	SpecialtyInternalMedicine  Specialty = "INTERNAL_MEDICINE"
)

var knownSpecialties = map[Specialty]bool{
	SpecialtyCardiology:        true,
	SpecialtyOncology:          true,
	SpecialtyPediatrics:        true,
	SpecialtyNeurology:         true,
	SpecialtyDermatology:       true,
	SpecialtyOrthopedics:       true,
	SpecialtyPsychiatry:        true,
	SpecialtyRadiology:         true,
	SpecialtyEmergencyMedicine: true,
	SpecialtyFamilyMedicine:    true,
	SpecialtyInternalMedicine:  true,
}

// Valid reports whether s is part of the Specialty vocabulary.
func (s Specialty) Valid() bool { return knownSpecialties[s] }

// DefaultPatientPermissions is granted when no mapping rule matches a token.
var DefaultPatientPermissions = []string{
	"read:own_records",
	"create:appointments",
	"read:lab_results",
	"send:messages",
}

// RoleMappingRule maps one raw identity-provider role to a domain role.
type RoleMappingRule struct {
	SourceRole      string     `json:"source_role" yaml:"source_role"`
	TargetRole      DomainRole `json:"target_role" yaml:"target_role"`
	TargetSpecialty Specialty  `json:"target_specialty,omitempty" yaml:"target_specialty,omitempty"`
	Permissions     []string   `json:"permissions" yaml:"permissions"`
}

// Validate checks that the rule references known roles and specialties.
func (r RoleMappingRule) Validate() error {
	if r.SourceRole == "" {
		return fmt.Errorf("role mapping rule has empty source role")
	}
	if !r.TargetRole.Valid() {
		return fmt.Errorf("role mapping rule %q: unknown target role %q", r.SourceRole, r.TargetRole)
	}
	if r.TargetSpecialty != "" && !r.TargetSpecialty.Valid() {
		return fmt.Errorf("role mapping rule %q: unknown target specialty %q", r.SourceRole, r.TargetSpecialty)
	}
	return nil
}

const (
	prioritySpecialty = 10
	priorityRoleOnly  = 5
)

func (r RoleMappingRule) priority() int {
	if r.TargetSpecialty != "" {
		return prioritySpecialty
	}
	return priorityRoleOnly
}

// RoleMapping is the result of evaluating the rule list against a token.
type RoleMapping struct {
	Role        DomainRole
	Specialty   Specialty
	Permissions []string
	// Matched is false when the default patient mapping was applied.
	Matched bool
}

// MapRoles resolves the raw roles carried by claims to a single domain role.
//
// Rules carrying a specialty outrank role-only rules. Among matching rules of
// equal priority the one appearing first in rules wins, so evaluation is
// deterministic for a given rule order.
func MapRoles(claims *TokenClaims, rules []RoleMappingRule) RoleMapping {
	var (
		best     *RoleMappingRule
		bestPrio int
	)
	for i := range rules {
		rule := &rules[i]
		if !claims.hasRawRole(rule.SourceRole) {
			continue
		}
		if p := rule.priority(); best == nil || p > bestPrio {
			best, bestPrio = rule, p
		}
	}

	if best == nil {
		return RoleMapping{
			Role:        RolePatient,
			Permissions: dedupe(DefaultPatientPermissions),
		}
	}
	return RoleMapping{
		Role:        best.TargetRole,
		Specialty:   best.TargetSpecialty,
		Permissions: dedupe(best.Permissions),
		Matched:     true,
	}
}

// dedupe returns a copy of in with duplicates removed, keeping first
// occurrences in order.
func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
