package saga

import (
	"context"
	"sort"
	"sync"
)

// Store persists saga instances for operators and recovery tooling
type Store interface {
	Create(ctx context.Context, inst *Instance) error
	Update(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	// ListByStatus returns instances oldest first
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Instance, error)
}

// MemoryStore is an in-memory Store
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
	}
}

func (s *MemoryStore) Create(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; !exists {
		return ErrInstanceNotFound
	}
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return nil, ErrInstanceNotFound
	}
	return copyInstance(inst), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Instance
	for _, inst := range s.instances {
		if inst.Status == status {
			result = append(result, copyInstance(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Count returns the number of stored instances
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func copyInstance(inst *Instance) *Instance {
	cp := *inst
	cp.Data = copyData(inst.Data)
	cp.StepResults = append([]StepResult(nil), inst.StepResults...)
	return &cp
}
