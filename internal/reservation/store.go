package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

type Store interface {
	Insert(ctx context.Context, rs []Reservation) error
	ListByOrder(ctx context.Context, orderID string) ([]Reservation, error)
	// UpdateStatus moves one reservation from -> to; it fails if the stored
	// status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status, movementID string, at time.Time) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Reservation
	byOrder map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Reservation), byOrder: make(map[string][]string)}
}

func (s *MemoryStore) Insert(_ context.Context, rs []Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rs {
		if _, ok := s.byID[r.ID]; ok {
			return fault.Invariant("reservation %s already exists", r.ID)
		}
	}
	for _, r := range rs {
		s.byID[r.ID] = r
		s.byOrder[r.OrderID] = append(s.byOrder[r.OrderID], r.ID)
	}
	return nil
}

func (s *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byOrder[orderID]
	out := make([]Reservation, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, movementID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return fault.NotFound("reservation %s not found", id)
	}
	if r.Status != from || !CanTransition(from, to) {
		return fault.Invariant("reservation %s is %s, cannot move %s -> %s", id, r.Status, from, to)
	}
	r.Status = to
	r.SettleMovementID = movementID
	r.UpdatedAt = at
	s.byID[id] = r
	return nil
}
