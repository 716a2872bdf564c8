// Package keylock provides critical sections keyed by an arbitrary string.
// Unrelated keys never contend; callers of the same key are admitted one at a
// time in arrival order.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	slot chan struct{}
	refs int
}

type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done. The returned func releases the
// key and is safe to call more than once.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	// blocked senders on a channel are woken in FIFO order
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		m.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			m.drop(key, e)
		})
	}, nil
}

// With runs fn while holding key.
func (m *Map) With(ctx context.Context, key string, fn func() error) error {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (m *Map) drop(key string, e *entry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

// Len reports how many keys are currently locked or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
