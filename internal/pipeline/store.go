package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store supplies pipeline definitions in definition order.
type Store interface {
	ListPipelines(ctx context.Context) ([]Definition, error)
	GetPipeline(ctx context.Context, id string) (Definition, error)
}

// AdminStore is a Store that can change definitions. Implementations keep
// at most one Active pipeline marked primary.
type AdminStore interface {
	Store
	SavePipeline(ctx context.Context, d Definition) error
	SetStatus(ctx context.Context, id string, s Status) error
	SetPrimary(ctx context.Context, id string) error
}

// MemoryStore is an in-process AdminStore.
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	defs  map[string]Definition
}

// NewMemoryStore creates a MemoryStore holding defs in the given order.
func NewMemoryStore(defs ...Definition) *MemoryStore {
	s := &MemoryStore{defs: make(map[string]Definition)}
	for _, d := range defs {
		_ = s.SavePipeline(context.Background(), d)
	}
	return s
}

// ListPipelines returns copies of all definitions in insertion order.
func (s *MemoryStore) ListPipelines(context.Context) ([]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.defs[id].Clone())
	}
	return out, nil
}

// GetPipeline returns the definition with id or ErrNotFound.
func (s *MemoryStore) GetPipeline(_ context.Context, id string) (Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.Clone(), nil
}

// SavePipeline inserts or replaces d. Saving a primary Active definition
// clears the flag on every other definition.
func (s *MemoryStore) SavePipeline(_ context.Context, d Definition) error {
	if d.ID == "" {
		return fmt.Errorf("saving pipeline: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if old, ok := s.defs[d.ID]; ok {
		d.CreatedAt = old.CreatedAt
	} else {
		s.order = append(s.order, d.ID)
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
	}
	d.UpdatedAt = now
	if d.Primary && !d.Active() {
		d.Primary = false
	}
	if d.Primary {
		s.clearPrimaryLocked()
	}
	s.defs[d.ID] = d.Clone()
	return nil
}

// SetStatus changes the status of id. A pipeline that leaves Active loses
// its primary flag.
func (s *MemoryStore) SetStatus(_ context.Context, id string, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.Status = st
	if st != StatusActive {
		d.Primary = false
	}
	d.UpdatedAt = time.Now().UTC()
	s.defs[id] = d
	return nil
}

// SetPrimary marks id as the only primary pipeline.
func (s *MemoryStore) SetPrimary(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !d.Active() {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	s.clearPrimaryLocked()
	d.Primary = true
	d.UpdatedAt = time.Now().UTC()
	s.defs[id] = d
	return nil
}

func (s *MemoryStore) clearPrimaryLocked() {
	for id, d := range s.defs {
		if d.Primary {
			d.Primary = false
			s.defs[id] = d
		}
	}
}
