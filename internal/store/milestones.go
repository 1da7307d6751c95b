package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Milestone is one recognition a user has earned: a report-count threshold
// or a promotion. Note carries the role for promotions.
type Milestone struct {
	ID        string
	UserID    string
	Kind      string
	Threshold int
	Note      string
	ReachedAt time.Time
}

// IncrementReportCount bumps the user's lifetime report count and returns
// the new value.
func (s *Store) IncrementReportCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO user_progress (user_id, reports) VALUES ($1, 1)
		 ON CONFLICT (user_id) DO UPDATE SET reports = user_progress.reports + 1
		 RETURNING reports`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment report count: %w", err)
	}
	return n, nil
}

// ReportCount returns the user's lifetime report count.
func (s *Store) ReportCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT reports FROM user_progress WHERE user_id = $1`, userID,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get report count: %w", err)
	}
	return n, nil
}

// SaveMilestone records one milestone. Re-recording the same milestone is a
// no-op, so event replays after a restart stay harmless.
func (s *Store) SaveMilestone(ctx context.Context, m Milestone) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO milestones (id, user_id, kind, threshold, note, reached_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, kind, threshold, note) DO NOTHING`,
		m.ID, m.UserID, m.Kind, m.Threshold, m.Note, m.ReachedAt,
	)
	if err != nil {
		return fmt.Errorf("save milestone: %w", err)
	}
	return nil
}

// MilestonesForUser returns the user's milestones, oldest first.
func (s *Store) MilestonesForUser(ctx context.Context, userID string) ([]Milestone, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, threshold, note, reached_at
		 FROM milestones WHERE user_id = $1 ORDER BY reached_at ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.ID, &m.UserID, &m.Kind, &m.Threshold, &m.Note, &m.ReachedAt); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
