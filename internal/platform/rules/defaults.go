package rules

import (
	"context"

	"github.com/ehr/authgateway/internal/platform/auth"
)

var providerPermissions = []string{
	"read:patients",
	"write:patients",
	"read:medical_records",
	"write:medical_records",
	"create:prescriptions",
	"read:lab_results",
	"order:lab_tests",
	"write:notes",
}

func specialist(source string, specialty auth.Specialty) auth.RoleMappingRule {
	return auth.RoleMappingRule{
		SourceRole:      source,
		TargetRole:      auth.RoleProvider,
		TargetSpecialty: specialty,
		Permissions:     providerPermissions,
	}
}

// Defaults returns the built-in rule list for the standard realm roles.
func Defaults() []auth.RoleMappingRule {
	rules := []auth.RoleMappingRule{
		{SourceRole: "healthcare-provider", TargetRole: auth.RoleProvider, Permissions: providerPermissions},
		specialist("cardiologist", auth.SpecialtyCardiology),
		specialist("oncologist", auth.SpecialtyOncology),
		specialist("pediatrician", auth.SpecialtyPediatrics),
		specialist("neurologist", auth.SpecialtyNeurology),
		{
			SourceRole: "nurse",
			TargetRole: auth.RoleNurse,
			Permissions: []string{
				"read:patients",
				"read:medical_records",
				"write:vitals",
				"administer:medications",
				"read:lab_results",
			},
		},
		{
			SourceRole: "pharmacist",
			TargetRole: auth.RolePharmacist,
			Permissions: []string{
				"read:prescriptions",
				"dispense:medications",
				"read:patients",
			},
		},
		{
			SourceRole: "lab-technician",
			TargetRole: auth.RoleLabTechnician,
			Permissions: []string{
				"read:lab_orders",
				"write:lab_results",
				"read:lab_results",
			},
		},
		{
			SourceRole: "receptionist",
			TargetRole: auth.RoleReceptionist,
			Permissions: []string{
				"read:appointments",
				"write:appointments",
				"read:patient_demographics",
			},
		},
		{
			SourceRole: "platform-admin",
			TargetRole: auth.RoleAdmin,
			Permissions: []string{
				"admin:users",
				"admin:roles",
				"admin:tokens",
				"read:audit_logs",
			},
		},
		{SourceRole: "patient", TargetRole: auth.RolePatient, Permissions: auth.DefaultPatientPermissions},
	}

	// Each call returns independent permission slices.
	for i := range rules {
		rules[i].Permissions = append([]string(nil), rules[i].Permissions...)
	}
	return rules
}

// DefaultSource serves Defaults.
type DefaultSource struct{}

func (DefaultSource) Load(context.Context) ([]auth.RoleMappingRule, error) {
	return Defaults(), nil
}
