package ledger

import (
	"context"
	"sort"
	"sync"
)

// ApplyFunc computes the movement and resulting level from the current level.
// Returning an error aborts the write.
type ApplyFunc func(cur StockLevel) (Movement, StockLevel, error)

// Store persists levels and the movement log. Apply must be an atomic
// read-modify-write for one SKU, writing the movement before the level.
type Store interface {
	Apply(ctx context.Context, sku SKU, fn ApplyFunc) (Movement, StockLevel, error)
	Level(ctx context.Context, sku SKU) (StockLevel, error)
	Movements(ctx context.Context, sku SKU) ([]Movement, error)
	SKUs(ctx context.Context) ([]SKU, error)
	// PutLevel overwrites the cached level, used only when rebuilding from the log.
	PutLevel(ctx context.Context, level StockLevel) error
}

type memorySKU struct {
	mu    sync.Mutex
	level StockLevel
	log   []Movement
}

// MemoryStore keeps everything in process. Each SKU has its own mutex; the
// map lock only guards lookup.
type MemoryStore struct {
	mu   sync.RWMutex
	skus map[SKU]*memorySKU
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{skus: make(map[SKU]*memorySKU)}
}

func (s *MemoryStore) entry(sku SKU, create bool) *memorySKU {
	s.mu.RLock()
	e, ok := s.skus[sku]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.skus[sku]; !ok {
		e = &memorySKU{level: StockLevel{SKU: sku}}
		s.skus[sku] = e
	}
	return e
}

func (s *MemoryStore) Apply(_ context.Context, sku SKU, fn ApplyFunc) (Movement, StockLevel, error) {
	e := s.entry(sku, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	mv, next, err := fn(e.level)
	if err != nil {
		return Movement{}, e.level, err
	}
	e.log = append(e.log, mv)
	e.level = next
	return mv, next, nil
}

func (s *MemoryStore) Level(_ context.Context, sku SKU) (StockLevel, error) {
	e := s.entry(sku, false)
	if e == nil {
		return StockLevel{SKU: sku}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level, nil
}

func (s *MemoryStore) Movements(_ context.Context, sku SKU) ([]Movement, error) {
	e := s.entry(sku, false)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Movement(nil), e.log...), nil
}

func (s *MemoryStore) SKUs(_ context.Context) ([]SKU, error) {
	s.mu.RLock()
	out := make([]SKU, 0, len(s.skus))
	for k := range s.skus {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *MemoryStore) PutLevel(_ context.Context, level StockLevel) error {
	e := s.entry(level.SKU, true)
	e.mu.Lock()
	e.level = level
	e.mu.Unlock()
	return nil
}
