package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process. Closed entries are dropped once they
// are older than the retention period.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore returns an empty store. A zero retention keeps closed entries
// forever.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]Entry),
		retention: retention,
		now:       time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries[e.ID] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok || m.expired(e) {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// List returns live entries ordered by start time and prunes expired ones.
func (m *MemoryStore) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for id, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, id)
			continue
		}
		out = append(out, e)
	}

	sortEntries(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) expired(e Entry) bool {
	return m.retention > 0 && e.EndedAt != nil && m.now().Sub(*e.EndedAt) > m.retention
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].StartedAt.Equal(entries[j].StartedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].StartedAt.Before(entries[j].StartedAt)
	})
}
