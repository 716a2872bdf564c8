package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-realtime-ledger/internal/events"
)

type OrderStatus struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCache mirrors order status transitions into Redis. It is an
// events.Sink: plug it next to the Kafka sink and it picks out the order
// transitions.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStatusCache(rdb *redis.Client) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: TTLStatusCache}
}

func (c *StatusCache) Publish(ctx context.Context, _ string, env events.Envelope) error {
	if env.EventType != events.EventOrderTransitioned {
		return nil
	}
	var p events.TransitionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	at := p.At
	if at.IsZero() {
		at = env.OccurredAt
	}
	return c.Set(ctx, p.OrderID, OrderStatus{Status: p.To, UpdatedAt: at})
}

// Set writes st unless the cache already holds a newer status for the
// order. Events and read-through fills race, so the write is guarded with
// WATCH and retried a few times when another writer gets in first.
func (c *StatusCache) Set(ctx context.Context, orderID string, st OrderStatus) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(KeyOrderStatus, orderID)
	set := func(tx *redis.Tx) error {
		cur, ok, err := decodeStatus(tx.Get(ctx, key))
		if err != nil {
			return err
		}
		if ok && cur.UpdatedAt.After(st.UpdatedAt) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, c.ttl)
			return nil
		})
		return err
	}
	for i := 0; i < 3; i++ {
		err = c.rdb.Watch(ctx, set, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// Get reports ok=false on a miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (OrderStatus, bool, error) {
	return decodeStatus(c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)))
}

func decodeStatus(cmd *redis.StringCmd) (OrderStatus, bool, error) {
	b, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return OrderStatus{}, false, nil
	}
	if err != nil {
		return OrderStatus{}, false, err
	}
	var st OrderStatus
	if err := json.Unmarshal(b, &st); err != nil {
		return OrderStatus{}, false, err
	}
	return st, true, nil
}
