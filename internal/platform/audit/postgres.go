// Package audit persists the gateway's access decisions and serves them back
// to administrators.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/authgateway/internal/platform/db"
	"github.com/ehr/authgateway/internal/platform/middleware"
)

const defaultWriteTimeout = 2 * time.Second

const insertDecision = `
	INSERT INTO access_decisions (
		recorded_at, request_id, user_id, role, specialty,
		method, path, action, status_code, decision,
		error_code, ip_address, user_agent
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

// Record is one stored access decision.
type Record struct {
	ID         string    `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
	Specialty  string    `json:"specialty,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Action     string    `json:"action"`
	StatusCode int       `json:"status_code"`
	Decision   string    `json:"decision"`
	ErrorCode  string    `json:"error_code,omitempty"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
}

// SearchParams filters a decision search. Zero values mean no filter.
type SearchParams struct {
	UserID   string
	Decision string
	Since    time.Time
	Limit    int
}

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

func (p SearchParams) limit() int {
	switch {
	case p.Limit <= 0:
		return defaultSearchLimit
	case p.Limit > maxSearchLimit:
		return maxSearchLimit
	default:
		return p.Limit
	}
}

// PostgresRecorder writes access decisions to the access_decisions table.
type PostgresRecorder struct {
	pool    db.Pool
	timeout time.Duration
}

var _ middleware.AuditRecorder = (*PostgresRecorder)(nil)

// NewPostgresRecorder creates a recorder backed by pool.
func NewPostgresRecorder(pool db.Pool) *PostgresRecorder {
	return &PostgresRecorder{pool: pool, timeout: defaultWriteTimeout}
}

// RecordAccess inserts entry. The write is bounded by the recorder's own
// timeout, not the request context.
func (r *PostgresRecorder) RecordAccess(entry middleware.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, insertDecision,
		entry.Timestamp, entry.RequestID, entry.UserID, string(entry.Role), string(entry.Specialty),
		entry.Method, entry.Path, entry.Action, entry.StatusCode, entry.Decision,
		string(entry.ErrorCode), entry.IPAddress, entry.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("audit: insert access decision: %w", err)
	}
	return nil
}

// Search returns the most recent decisions matching params, newest first.
func (r *PostgresRecorder) Search(ctx context.Context, params SearchParams) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if params.UserID != "" {
		add("user_id = $%d", params.UserID)
	}
	if params.Decision != "" {
		add("decision = $%d", params.Decision)
	}
	if !params.Since.IsZero() {
		add("recorded_at >= $%d", params.Since)
	}

	query := `SELECT id::text, recorded_at, request_id, user_id, role, specialty,
		method, path, action, status_code, decision, error_code, ip_address, user_agent
		FROM access_decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, params.limit())
	query += fmt.Sprintf(" ORDER BY recorded_at DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: search access decisions: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.RecordedAt, &rec.RequestID, &rec.UserID, &rec.Role, &rec.Specialty,
			&rec.Method, &rec.Path, &rec.Action, &rec.StatusCode, &rec.Decision,
			&rec.ErrorCode, &rec.IPAddress, &rec.UserAgent,
		); err != nil {
			return nil, fmt.Errorf("audit: scan access decision: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate access decisions: %w", err)
	}
	return records, nil
}
