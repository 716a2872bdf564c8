package redisx

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-realtime-ledger/internal/coupon"
	"github.com/ariefcatur/go-realtime-ledger/internal/events"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, Ping(context.Background(), rdb))
	return rdb, mr
}

func TestCouponCounterCapsAndIdempotency(t *testing.T) {
	rdb, _ := newClient(t)
	c := NewCouponCounter(rdb)
	ctx := context.Background()
	r := coupon.Redemption{Code: "save10", CustomerID: "c1", OrderID: "o1", TotalCap: 2, PerCustomerCap: 1}

	require.NoError(t, c.Redeem(ctx, r))
	require.NoError(t, c.Redeem(ctx, r))
	n, err := c.Usage(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r.OrderID = "o2"
	var capErr *coupon.UsageLimitExceededError
	require.ErrorAs(t, c.Redeem(ctx, r), &capErr)
	assert.Equal(t, coupon.ScopeCustomer, capErr.Scope)

	r.CustomerID = "c2"
	require.NoError(t, c.Redeem(ctx, r))

	r.OrderID, r.CustomerID = "o3", "c3"
	require.ErrorAs(t, c.Redeem(ctx, r), &capErr)
	assert.Equal(t, coupon.ScopeGlobal, capErr.Scope)

	require.NoError(t, c.Revoke(ctx, "SAVE10", "o1"))
	require.NoError(t, c.Revoke(ctx, "SAVE10", "o1"))
	n, _ = c.Usage(ctx, "SAVE10")
	assert.Equal(t, 1, n)
	mine, _ := c.CustomerUsage(ctx, "SAVE10", "c1")
	assert.Equal(t, 0, mine)

	require.NoError(t, c.Redeem(ctx, r))
}

func TestCouponCounterLastSlot(t *testing.T) {
	rdb, _ := newClient(t)
	c := NewCouponCounter(rdb)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Redeem(ctx, coupon.Redemption{Code: "ONE", CustomerID: "c", OrderID: string(rune('a' + i)), TotalCap: 1})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
}

func TestStatusCacheFollowsTransitions(t *testing.T) {
	rdb, mr := newClient(t)
	cache := NewStatusCache(rdb)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	payload, _ := json.Marshal(events.TransitionPayload{OrderID: "o1", From: "pending", To: "confirmed"})
	require.NoError(t, cache.Publish(ctx, events.TopicOrderTransitions, events.Envelope{EventType: events.EventOrderTransitioned, OccurredAt: at, Payload: payload}))
	require.NoError(t, cache.Publish(ctx, events.TopicOrderNotifications, events.Envelope{EventType: events.EventOrderNotification, Payload: payload}))

	st, ok, err := cache.Get(ctx, "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "confirmed", st.Status)
	assert.True(t, at.Equal(st.UpdatedAt))

	mr.FastForward(TTLStatusCache + time.Second)
	_, ok, err = cache.Get(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatusCacheKeepsNewerStatus(t *testing.T) {
	rdb, _ := newClient(t)
	cache := NewStatusCache(rdb)
	ctx := context.Background()
	t1 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	t2 := t1.Add(time.Second)

	payload, _ := json.Marshal(events.TransitionPayload{OrderID: "o1", From: "confirmed", To: "processing", At: t2})
	require.NoError(t, cache.Publish(ctx, events.TopicOrderTransitions, events.Envelope{EventType: events.EventOrderTransitioned, OccurredAt: t2.Add(time.Minute), Payload: payload}))

	// a read-through fill that loaded the order before the transition
	require.NoError(t, cache.Set(ctx, "o1", OrderStatus{Status: "confirmed", UpdatedAt: t1}))

	st, ok, err := cache.Get(ctx, "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "processing", st.Status)
	assert.True(t, t2.Equal(st.UpdatedAt))

	require.NoError(t, cache.Set(ctx, "o1", OrderStatus{Status: "shipped", UpdatedAt: t2.Add(time.Second)}))
	st, _, _ = cache.Get(ctx, "o1")
	assert.Equal(t, "shipped", st.Status)
}

func TestDedup(t *testing.T) {
	rdb, _ := newClient(t)
	d := NewDedup(rdb, "callbacks")
	ctx := context.Background()

	seen, err := d.Seen(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen)
	require.NoError(t, d.Mark(ctx, "e1"))
	seen, _ = d.Seen(ctx, "e1")
	assert.True(t, seen)
}

func TestOrderKeys(t *testing.T) {
	rdb, _ := newClient(t)
	k := NewOrderKeys(rdb)
	ctx := context.Background()

	_, ok, err := k.Lookup(ctx, "ext-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, k.Remember(ctx, "ext-1", "order-1"))
	id, ok, err := k.Lookup(ctx, "ext-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "order-1", id)
}
