package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// OrderKeys is a fast path for repeated order submissions. The order store
// stays the source of truth; a miss here just means asking it.
type OrderKeys struct {
	rdb *redis.Client
}

func NewOrderKeys(rdb *redis.Client) *OrderKeys { return &OrderKeys{rdb: rdb} }

func (k *OrderKeys) Lookup(ctx context.Context, externalID string) (string, bool, error) {
	id, err := k.rdb.Get(ctx, fmt.Sprintf(KeyIdemOrderCreate, externalID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (k *OrderKeys) Remember(ctx context.Context, externalID, orderID string) error {
	return k.rdb.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, externalID), orderID, TTLIdempotency).Err()
}
