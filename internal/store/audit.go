package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ToolInvocation is one audited call through the tool gateway.
type ToolInvocation struct {
	ID             int64     `json:"id"`
	IncidentID     string    `json:"incident_id"`
	Capability     string    `json:"capability"`
	Attempts       int       `json:"attempts"`
	Classification string    `json:"classification"`
	Duration       int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecordInvocation appends a tool-call audit row. Audit writes are
// best-effort from the gateway's perspective; callers log failures and move
// on rather than failing the tool call itself.
func (s *Store) RecordInvocation(ctx context.Context, inv ToolInvocation) error {
	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO tool_calls (incident_id, capability, attempts, classification, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`),
		inv.IncidentID,
		inv.Capability,
		inv.Attempts,
		inv.Classification,
		inv.Duration,
		nullable(inv.Error),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record tool invocation: %w", err)
	}
	return nil
}

// Invocations returns the audited tool calls for an incident, oldest first.
func (s *Store) Invocations(ctx context.Context, incidentID string) ([]ToolInvocation, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, `
		SELECT id, incident_id, capability, attempts, classification, duration_ms, error, created_at
		FROM tool_calls WHERE incident_id = ? ORDER BY id ASC
	`), incidentID)
	if err != nil {
		return nil, fmt.Errorf("query tool invocations: %w", err)
	}
	defer rows.Close()

	var out []ToolInvocation
	for rows.Next() {
		var (
			inv       ToolInvocation
			errStr    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&inv.ID, &inv.IncidentID, &inv.Capability, &inv.Attempts,
			&inv.Classification, &inv.Duration, &errStr, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tool invocation: %w", err)
		}
		inv.Error = errStr.String
		inv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, inv)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
