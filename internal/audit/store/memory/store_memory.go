package memory

import (
	"context"
	"sync"

	"chenu/internal/audit/models"
)

// InMemoryStore keeps entries in a slice ordered by Seq. Entries are cloned on
// the way in and out so callers can never mutate stored history.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []models.Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, entry models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry.Clone())
	return nil
}

// Last returns the newest entry, or nil for an empty log.
func (s *InMemoryStore) Last(_ context.Context) (*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	last := s.entries[len(s.entries)-1].Clone()
	return &last, nil
}

func (s *InMemoryStore) List(_ context.Context, filter models.Filter) ([]models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Entry, 0)
	for _, e := range s.entries {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
