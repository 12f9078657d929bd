package memory

import (
	"context"
	"sort"
	"sync"

	"chenu/internal/budget/models"
	id "chenu/pkg/domain"
	"chenu/pkg/platform/sentinel"
)

// InMemoryStore keeps budgets in a map. Execute holds the write lock for the
// whole validate-then-mutate step, which makes every mutation linearizable.
type InMemoryStore struct {
	mu      sync.RWMutex
	budgets map[id.ScopeID]models.TokenBudget
}

func New() *InMemoryStore {
	return &InMemoryStore{
		budgets: make(map[id.ScopeID]models.TokenBudget),
	}
}

func (s *InMemoryStore) Get(_ context.Context, scopeID id.ScopeID) (*models.TokenBudget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.budgets[scopeID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &b, nil
}

// Create stores b unless a budget for the scope already exists.
func (s *InMemoryStore) Create(_ context.Context, b *models.TokenBudget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.budgets[b.ScopeID]; ok {
		return sentinel.ErrConflict
	}
	s.budgets[b.ScopeID] = *b
	return nil
}

func (s *InMemoryStore) Put(_ context.Context, b *models.TokenBudget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.budgets[b.ScopeID] = *b
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, scopeID id.ScopeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.budgets, scopeID)
	return nil
}

// List returns all budgets ordered by scope.
func (s *InMemoryStore) List(_ context.Context) ([]*models.TokenBudget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.TokenBudget, 0, len(s.budgets))
	for _, b := range s.budgets {
		out = append(out, &b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeID < out[j].ScopeID })
	return out, nil
}

// Execute loads the budget, runs validate and, if it passes, applies mutate
// and stores the result. A validation error is returned unchanged and
// nothing is written.
func (s *InMemoryStore) Execute(_ context.Context, scopeID id.ScopeID, validate func(*models.TokenBudget) error, mutate func(*models.TokenBudget)) (*models.TokenBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[scopeID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if err := validate(&b); err != nil {
		return nil, err
	}
	mutate(&b)
	s.budgets[scopeID] = b
	return &b, nil
}
