package update

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// History is the SQLite-backed durable record of update attempts. It
// survives restarts of the updater, unlike the executor's in-memory ring.
type History struct {
	db *sql.DB
}

// NewHistory opens (or creates) the update history database at dbPath.
// Use ":memory:" for an in-memory database.
func NewHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	if err := createHistoryTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &History{db: db}, nil
}

// Close closes the underlying database connection.
func (h *History) Close() error {
	return h.db.Close()
}

func createHistoryTables(db *sql.DB) error {
	stmt := `CREATE TABLE IF NOT EXISTS update_records (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		version          TEXT NOT NULL,
		previous_version TEXT NOT NULL,
		git_sha          TEXT NOT NULL,
		timestamp        DATETIME NOT NULL,
		status           TEXT NOT NULL,
		error            TEXT NOT NULL DEFAULT ''
	)`
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("exec %q: %w", stmt[:40], err)
	}
	return nil
}

// SaveUpdateRecord appends one attempt to the durable history.
func (h *History) SaveUpdateRecord(ctx context.Context, rec Record) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO update_records (version, previous_version, git_sha, timestamp, status, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Version, rec.PreviousVersion, rec.GitSHA, rec.Timestamp.UTC(), string(rec.Status), rec.Error,
	)
	if err != nil {
		return fmt.Errorf("save update record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first. Limits outside
// 1..50 are clamped to 50.
func (h *History) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT version, previous_version, git_sha, timestamp, status, error
		 FROM update_records ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list update records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.Version, &rec.PreviousVersion, &rec.GitSHA, &rec.Timestamp, &status, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan update record: %w", err)
		}
		rec.Status = ResultStatus(status)
		rec.Timestamp = rec.Timestamp.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastSuccess returns the most recent successful update, or nil if no
// update has ever succeeded.
func (h *History) LastSuccess(ctx context.Context) (*Record, error) {
	var rec Record
	var status string
	err := h.db.QueryRowContext(ctx,
		`SELECT version, previous_version, git_sha, timestamp, status, error
		 FROM update_records WHERE status = ? ORDER BY id DESC LIMIT 1`,
		string(StatusSuccess),
	).Scan(&rec.Version, &rec.PreviousVersion, &rec.GitSHA, &rec.Timestamp, &status, &rec.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last successful update: %w", err)
	}
	rec.Status = ResultStatus(status)
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}
