package store

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID           int64
	Action       string
	TargetUserID string
	PerformedBy  string
	CreatedAt    time.Time
}

// Record appends one audit row. It satisfies the autonomy engine's
// auditor contract, so every confirmation and cancellation leaves a
// durable trace.
func (s *Store) Record(ctx context.Context, action, targetUserID, performedBy string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (action, target_user_id, performed_by) VALUES ($1, $2, $3)`,
		action, targetUserID, performedBy,
	)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// RecentAudit returns up to limit audit entries, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, action, target_user_id, performed_by, created_at
		 FROM audit_log ORDER BY id DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.TargetUserID, &e.PerformedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
