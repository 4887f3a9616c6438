package rules

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/ehr/authgateway/internal/platform/auth"
	"gopkg.in/yaml.v3"
)

// FileSource reads rules from a YAML document of the form
//
//	rules:
//	  - source_role: cardiologist
//	    target_role: PROVIDER
//	    target_specialty: CARDIOLOGY
//	    permissions: [read:patients]
//
// The file is re-read on every Load.
type FileSource struct {
	Path string
}

type ruleDocument struct {
	Rules []auth.RoleMappingRule `yaml:"rules"`
}

func (s FileSource) Load(context.Context) ([]auth.RoleMappingRule, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rule document. Unknown fields are rejected.
func Parse(data []byte) ([]auth.RoleMappingRule, error) {
	var doc ruleDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("rule file defines no rules")
	}
	return doc.Rules, nil
}

// Marshal renders rules as a YAML rule document.
func Marshal(rules []auth.RoleMappingRule) ([]byte, error) {
	return yaml.Marshal(ruleDocument{Rules: rules})
}
