// Package rules loads the ordered role-mapping rule list consumed by the
// authenticator. Rules come from built-in defaults, a YAML file or the
// role_mapping_rules table.
package rules

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehr/authgateway/internal/platform/auth"
	"github.com/rs/zerolog"
)

// Source loads an ordered rule list.
type Source interface {
	Load(ctx context.Context) ([]auth.RoleMappingRule, error)
}

// Validate checks each rule and rejects duplicate source role + specialty
// pairs, which would make the later rule unreachable.
func Validate(rules []auth.RoleMappingRule) error {
	type key struct {
		source    string
		specialty auth.Specialty
	}
	seen := make(map[key]int, len(rules))
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		k := key{r.SourceRole, r.TargetSpecialty}
		if j, dup := seen[k]; dup {
			return fmt.Errorf("rule %d: duplicates rule %d for source role %q", i, j, r.SourceRole)
		}
		seen[k] = i
	}
	return nil
}

// Set holds the active rule list and implements auth.RuleProvider. Reloads
// swap the list atomically; in-flight requests keep the list they started
// with.
type Set struct {
	source  Source
	logger  zerolog.Logger
	current atomic.Pointer[[]auth.RoleMappingRule]
}

var _ auth.RuleProvider = (*Set)(nil)

// NewSet loads the initial rule list from source.
func NewSet(ctx context.Context, source Source, logger zerolog.Logger) (*Set, error) {
	s := &Set{source: source, logger: logger}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Rules returns the active rule list. Callers must not modify it.
func (s *Set) Rules() []auth.RoleMappingRule {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return nil
}

// Reload loads and validates a fresh list. On failure the previous list
// stays active.
func (s *Set) Reload(ctx context.Context) error {
	loaded, err := s.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load role mapping rules: %w", err)
	}
	if err := Validate(loaded); err != nil {
		return fmt.Errorf("invalid role mapping rules: %w", err)
	}
	s.current.Store(&loaded)
	s.logger.Debug().Int("rules", len(loaded)).Msg("role mapping rules loaded")
	return nil
}

// Watch reloads the list every interval until ctx is done.
func (s *Set) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Error().Err(err).Msg("role mapping reload failed, keeping previous rules")
			}
		}
	}
}
