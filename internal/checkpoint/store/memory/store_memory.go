package memory

import (
	"context"
	"sort"
	"sync"

	"chenu/internal/checkpoint/models"
	id "chenu/pkg/domain"
	"chenu/pkg/platform/sentinel"
)

// InMemoryStore keeps checkpoints in a map. Execute serializes callers per
// checkpoint and holds the map lock only while reading or writing, so slow
// validate callbacks never block other checkpoints.
type InMemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[id.CheckpointID]models.Checkpoint

	locksMu sync.Mutex
	locks   map[id.CheckpointID]*sync.Mutex
}

func New() *InMemoryStore {
	return &InMemoryStore{
		checkpoints: make(map[id.CheckpointID]models.Checkpoint),
		locks:       make(map[id.CheckpointID]*sync.Mutex),
	}
}

func (s *InMemoryStore) lockFor(checkpointID id.CheckpointID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[checkpointID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[checkpointID] = l
	}
	return l
}

func (s *InMemoryStore) Create(_ context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.checkpoints[cp.ID]; ok {
		return sentinel.ErrConflict
	}
	s.checkpoints[cp.ID] = clone(*cp)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, checkpointID id.CheckpointID) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := clone(cp)
	return &out, nil
}

// List returns matching checkpoints, oldest request first.
func (s *InMemoryStore) List(_ context.Context, filter models.Filter) ([]*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Checkpoint{}
	for _, cp := range s.checkpoints {
		if !filter.Matches(&cp) {
			continue
		}
		c := clone(cp)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (s *InMemoryStore) Delete(_ context.Context, checkpointID id.CheckpointID) error {
	l := s.lockFor(checkpointID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	delete(s.checkpoints, checkpointID)
	s.mu.Unlock()

	s.locksMu.Lock()
	delete(s.locks, checkpointID)
	s.locksMu.Unlock()
	return nil
}

// Execute loads the checkpoint, runs validate and, if it passes, applies
// mutate and stores the result. A validation error is returned unchanged
// and nothing is written.
func (s *InMemoryStore) Execute(ctx context.Context, checkpointID id.CheckpointID, validate func(context.Context, *models.Checkpoint) error, mutate func(*models.Checkpoint)) (*models.Checkpoint, error) {
	l := s.lockFor(checkpointID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	stored, ok := s.checkpoints[checkpointID]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	cp := clone(stored)
	if err := validate(ctx, &cp); err != nil {
		return nil, err
	}
	mutate(&cp)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[checkpointID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	s.checkpoints[checkpointID] = clone(cp)
	return &cp, nil
}

// clone detaches ResolvedAt so callers cannot mutate stored state.
func clone(cp models.Checkpoint) models.Checkpoint {
	if cp.ResolvedAt != nil {
		t := *cp.ResolvedAt
		cp.ResolvedAt = &t
	}
	return cp
}
