package milestone

import (
	"context"
	"sync"

	"github.com/castelmind/castellan/internal/store"
)

// MemoryStore is an in-process Store for deployments without Postgres and
// for tests. Counts and milestones reset with the process.
type MemoryStore struct {
	mu         sync.Mutex
	counts     map[string]int
	milestones map[string][]store.Milestone
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counts:     make(map[string]int),
		milestones: make(map[string][]store.Milestone),
	}
}

// IncrementReportCount implements Store.
func (m *MemoryStore) IncrementReportCount(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[userID]++
	return m.counts[userID], nil
}

// ReportCount implements Store.
func (m *MemoryStore) ReportCount(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[userID], nil
}

// SaveMilestone implements Store with the same replay semantics as the
// database: saving an identical milestone twice keeps one row.
func (m *MemoryStore) SaveMilestone(ctx context.Context, ms store.Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.milestones[ms.UserID] {
		if existing.Kind == ms.Kind && existing.Threshold == ms.Threshold && existing.Note == ms.Note {
			return nil
		}
	}
	m.milestones[ms.UserID] = append(m.milestones[ms.UserID], ms)
	return nil
}

// MilestonesForUser implements Store.
func (m *MemoryStore) MilestonesForUser(ctx context.Context, userID string) ([]store.Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Milestone, len(m.milestones[userID]))
	copy(out, m.milestones[userID])
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
