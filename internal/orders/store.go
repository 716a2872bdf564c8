package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

type Store interface {
	Insert(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	GetByExternalID(ctx context.Context, externalID string) (Order, error)
	// Update writes o if the stored version is still expected.
	Update(ctx context.Context, o Order, expected int64) error
	// ListStale returns non-archived orders in status created before cutoff.
	ListStale(ctx context.Context, status Status, cutoff time.Time) ([]Order, error)
}

type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]Order
	byExternal map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Order), byExternal: make(map[string]string)}
}

func (s *MemoryStore) Insert(_ context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[o.ID]; ok {
		return fault.Invariant("order %s already exists", o.ID)
	}
	if o.ExternalID != "" {
		if _, ok := s.byExternal[o.ExternalID]; ok {
			return fault.Invariant("order with external id %s already exists", o.ExternalID)
		}
		s.byExternal[o.ExternalID] = o.ID
	}
	s.byID[o.ID] = o.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[id]
	if !ok {
		return Order{}, &NotFoundError{ID: id}
	}
	return o.clone(), nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (Order, error) {
	s.mu.RLock()
	id, ok := s.byExternal[externalID]
	s.mu.RUnlock()
	if !ok {
		return Order{}, &NotFoundError{ID: externalID}
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Update(_ context.Context, o Order, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[o.ID]
	if !ok {
		return &NotFoundError{ID: o.ID}
	}
	if cur.Version != expected {
		return &ConflictError{OrderID: o.ID, Expected: expected}
	}
	s.byID[o.ID] = o.clone()
	return nil
}

func (s *MemoryStore) ListStale(_ context.Context, status Status, cutoff time.Time) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Order
	for _, o := range s.byID {
		if o.Status == status && !o.Archived && o.CreatedAt.Before(cutoff) {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
