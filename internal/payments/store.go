package payments

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

type Store interface {
	Insert(ctx context.Context, p Payment) error
	Get(ctx context.Context, id string) (Payment, error)
	GetByExternalRef(ctx context.Context, ref string) (Payment, error)
	// ListByOrder returns attempts oldest first.
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	Update(ctx context.Context, p Payment, expected int64) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Payment
	byRef   map[string]string
	byOrder map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Payment),
		byRef:   make(map[string]string),
		byOrder: make(map[string][]string),
	}
}

func (s *MemoryStore) Insert(_ context.Context, p Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; ok {
		return fault.Invariant("payment %s already exists", p.ID)
	}
	s.byID[p.ID] = p
	s.byOrder[p.OrderID] = append(s.byOrder[p.OrderID], p.ID)
	if p.ExternalRef != "" {
		s.byRef[p.ExternalRef] = p.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return Payment{}, &NotFoundError{Ref: id}
	}
	return p, nil
}

func (s *MemoryStore) GetByExternalRef(ctx context.Context, ref string) (Payment, error) {
	s.mu.RLock()
	id, ok := s.byRef[ref]
	s.mu.RUnlock()
	if !ok {
		return Payment{}, &NotFoundError{Ref: ref}
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byOrder[orderID]
	out := make([]Payment, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, p Payment, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[p.ID]
	if !ok {
		return &NotFoundError{Ref: p.ID}
	}
	if cur.Version != expected {
		return &ConflictError{PaymentID: p.ID, Expected: expected}
	}
	if cur.ExternalRef != p.ExternalRef {
		delete(s.byRef, cur.ExternalRef)
		if p.ExternalRef != "" {
			s.byRef[p.ExternalRef] = p.ID
		}
	}
	s.byID[p.ID] = p
	return nil
}
