package rules

import (
	"context"
	"fmt"

	"github.com/ehr/authgateway/internal/platform/auth"
	"github.com/ehr/authgateway/internal/platform/db"
	"github.com/jackc/pgx/v5"
)

const selectRules = `SELECT source_role, target_role, target_specialty, permissions
FROM role_mapping_rules
ORDER BY position`

// PostgresSource reads rules from the role_mapping_rules table. Row order
// is the position column.
type PostgresSource struct {
	pool db.Pool
}

func NewPostgresSource(pool db.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) Load(ctx context.Context) ([]auth.RoleMappingRule, error) {
	rows, err := s.pool.Query(ctx, selectRules)
	if err != nil {
		return nil, fmt.Errorf("query role mapping rules: %w", err)
	}
	defer rows.Close()

	var out []auth.RoleMappingRule
	for rows.Next() {
		var (
			r         auth.RoleMappingRule
			role      string
			specialty string
		)
		if err := rows.Scan(&r.SourceRole, &role, &specialty, &r.Permissions); err != nil {
			return nil, fmt.Errorf("scan role mapping rule: %w", err)
		}
		r.TargetRole = auth.DomainRole(role)
		r.TargetSpecialty = auth.Specialty(specialty)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role mapping rules: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("role_mapping_rules table is empty")
	}
	return out, nil
}

// Replace swaps the stored rule list for rules in one transaction.
func (s *PostgresSource) Replace(ctx context.Context, rules []auth.RoleMappingRule) error {
	if err := Validate(rules); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := replaceRules(ctx, tx, rules); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func replaceRules(ctx context.Context, tx pgx.Tx, rules []auth.RoleMappingRule) error {
	if _, err := tx.Exec(ctx, "DELETE FROM role_mapping_rules"); err != nil {
		return fmt.Errorf("clear role mapping rules: %w", err)
	}
	for i, r := range rules {
		perms := r.Permissions
		if perms == nil {
			perms = []string{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO role_mapping_rules (position, source_role, target_role, target_specialty, permissions)
VALUES ($1, $2, $3, $4, $5)`,
			i, r.SourceRole, string(r.TargetRole), string(r.TargetSpecialty), perms,
		); err != nil {
			return fmt.Errorf("insert rule %d (%s): %w", i, r.SourceRole, err)
		}
	}
	return nil
}
