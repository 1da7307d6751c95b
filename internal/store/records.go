package store

import (
	"context"
	"fmt"

	"github.com/castelmind/castellan/internal/update"
)

// SaveUpdateRecord mirrors one update attempt into the operational
// database. The sidecar keeps its own SQLite history; this copy is the
// one operators query alongside the audit log.
func (s *Store) SaveUpdateRecord(ctx context.Context, rec update.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO update_records (version, previous_version, git_sha, timestamp, status, error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Version, rec.PreviousVersion, rec.GitSHA, rec.Timestamp.UTC(), string(rec.Status), rec.Error,
	)
	if err != nil {
		return fmt.Errorf("save update record: %w", err)
	}
	return nil
}

// UpdateHistory returns up to limit update records, newest first.
func (s *Store) UpdateHistory(ctx context.Context, limit int) ([]update.Record, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT version, previous_version, git_sha, timestamp, status, error
		 FROM update_records ORDER BY id DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list update records: %w", err)
	}
	defer rows.Close()

	var records []update.Record
	for rows.Next() {
		var rec update.Record
		var status string
		if err := rows.Scan(&rec.Version, &rec.PreviousVersion, &rec.GitSHA, &rec.Timestamp, &status, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan update record: %w", err)
		}
		rec.Status = update.ResultStatus(status)
		rec.Timestamp = rec.Timestamp.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
