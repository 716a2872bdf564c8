package reservation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-realtime-ledger/internal/events"
	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
)

var (
	skuX = ledger.SKU{ProductID: "X"}
	skuY = ledger.SKU{ProductID: "Y", VariantID: "blue"}
	skuZ = ledger.SKU{ProductID: "Z"}
)

func setup(t *testing.T, stock map[ledger.SKU]int) (*Manager, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	for sku, qty := range stock {
		_, err := l.RecordMovement(context.Background(), ledger.MovementRequest{SKU: sku, Type: ledger.Inbound, Delta: qty, Reason: ledger.ReasonReceipt})
		require.NoError(t, err)
	}
	return NewManager(l, NewMemoryStore()), l
}

func level(t *testing.T, l *ledger.Ledger, sku ledger.SKU) ledger.StockLevel {
	t.Helper()
	lvl, err := l.Level(context.Background(), sku)
	require.NoError(t, err)
	return lvl
}

func TestHoldReservesEveryLine(t *testing.T) {
	m, l := setup(t, map[ledger.SKU]int{skuX: 10, skuY: 3})
	ctx := context.Background()

	rs, err := m.Hold(ctx, "order-A", []LineItem{{SKU: skuX, Quantity: 2}, {SKU: skuY, Quantity: 3}, {SKU: skuX, Quantity: 2}})
	require.NoError(t, err)
	require.Len(t, rs, 2, "duplicate skus are merged")
	assert.Equal(t, skuX, rs[0].SKU)
	assert.Equal(t, 4, rs[0].Quantity)
	assert.Equal(t, StatusHeld, rs[1].Status)

	assert.Equal(t, 4, level(t, l, skuX).Reserved)
	assert.Equal(t, 0, level(t, l, skuY).Available)
}

func TestHoldIsAllOrNothing(t *testing.T) {
	m, l := setup(t, map[ledger.SKU]int{skuX: 10, skuY: 1, skuZ: 10})
	ctx := context.Background()

	_, err := m.Hold(ctx, "order-B", []LineItem{{SKU: skuX, Quantity: 5}, {SKU: skuY, Quantity: 2}, {SKU: skuZ, Quantity: 1}})
	var sue *StockUnavailableError
	require.ErrorAs(t, err, &sue)
	assert.Equal(t, skuY, sue.SKU)
	assert.Equal(t, 2, sue.Requested)
	assert.Equal(t, 1, sue.Available)
	assert.Equal(t, fault.KindBusiness, fault.KindOf(err))

	for _, sku := range []ledger.SKU{skuX, skuY, skuZ} {
		assert.Zero(t, level(t, l, sku).Reserved, "sku %s still reserved", sku)
	}
	open, _ := m.Open(ctx, "order-B")
	assert.Empty(t, open)

	// the rollback is itself in the log
	mvs, _ := l.Movements(ctx, skuX)
	require.Len(t, mvs, 3)
	assert.Equal(t, ledger.ReasonHoldRollback, mvs[2].Reason)
}

func TestHoldTwiceReturnsExistingHolds(t *testing.T) {
	m, l := setup(t, map[ledger.SKU]int{skuX: 10})
	ctx := context.Background()
	first, err := m.Hold(ctx, "o", []LineItem{{SKU: skuX, Quantity: 3}})
	require.NoError(t, err)
	second, err := m.Hold(ctx, "o", []LineItem{{SKU: skuX, Quantity: 3}})
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 3, level(t, l, skuX).Reserved)
}

func TestHoldValidation(t *testing.T) {
	m, _ := setup(t, nil)
	ctx := context.Background()
	_, err := m.Hold(ctx, "", []LineItem{{SKU: skuX, Quantity: 1}})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	_, err = m.Hold(ctx, "o", nil)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	_, err = m.Hold(ctx, "o", []LineItem{{SKU: skuX, Quantity: 0}})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, l := setup(t, map[ledger.SKU]int{skuX: 10, skuY: 5})
	ctx := context.Background()
	_, err := m.Hold(ctx, "o", []LineItem{{SKU: skuX, Quantity: 4}, {SKU: skuY, Quantity: 5}})
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, "o"))
	afterOnce := []ledger.StockLevel{level(t, l, skuX), level(t, l, skuY)}
	require.NoError(t, m.Release(ctx, "o"))
	afterTwice := []ledger.StockLevel{level(t, l, skuX), level(t, l, skuY)}

	assert.Equal(t, afterOnce, afterTwice)
	assert.Equal(t, 10, afterTwice[0].Available)
	assert.Equal(t, 5, afterTwice[1].Available)

	// unknown order: no-op
	require.NoError(t, m.Release(ctx, "never-held"))
}

func TestReleaseSurvivesCancelledCaller(t *testing.T) {
	m, l := setup(t, map[ledger.SKU]int{skuX: 10})
	_, err := m.Hold(context.Background(), "o", []LineItem{{SKU: skuX, Quantity: 4}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Release(ctx, "o"))
	assert.Zero(t, level(t, l, skuX).Reserved)
}

func TestCommit(t *testing.T) {
	m, l := setup(t, map[ledger.SKU]int{skuX: 10})
	ctx := context.Background()
	_, err := m.Hold(ctx, "o", []LineItem{{SKU: skuX, Quantity: 4}})
	require.NoError(t, err)

	require.NoError(t, m.Commit(ctx, "o"))
	lvl := level(t, l, skuX)
	assert.Equal(t, 6, lvl.Quantity)
	assert.Equal(t, 0, lvl.Reserved)

	rs, _ := m.List(ctx, "o")
	require.Len(t, rs, 1)
	assert.Equal(t, StatusCommitted, rs[0].Status)
	assert.NotEmpty(t, rs[0].SettleMovementID)

	// replaying the commit is harmless; releasing after commit changes nothing
	require.NoError(t, m.Commit(ctx, "o"))
	require.NoError(t, m.Release(ctx, "o"))
	assert.Equal(t, 6, level(t, l, skuX).Quantity)
}

func TestCommitWithoutHoldFails(t *testing.T) {
	m, _ := setup(t, map[ledger.SKU]int{skuX: 10})
	ctx := context.Background()

	err := m.Commit(ctx, "ghost")
	var rnf *ReservationNotFoundError
	require.ErrorAs(t, err, &rnf)
	assert.Equal(t, fault.KindInvariant, fault.KindOf(err))

	_, err = m.Hold(ctx, "cancelled", []LineItem{{SKU: skuX, Quantity: 1}})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "cancelled"))
	assert.True(t, errors.As(m.Commit(ctx, "cancelled"), &rnf))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusHeld, StatusReleased))
	assert.True(t, CanTransition(StatusHeld, StatusCommitted))
	assert.False(t, CanTransition(StatusReleased, StatusHeld))
	assert.False(t, CanTransition(StatusCommitted, StatusReleased))
}

func TestSettleDeliversEventsAfterOrderLock(t *testing.T) {
	var armed atomic.Bool
	release := make(chan struct{})
	slow := events.SinkFunc(func(context.Context, string, events.Envelope) error {
		if armed.Load() {
			<-release
		}
		return nil
	})
	em := events.NewEmitter(slow, "test", zerolog.Nop())
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithEmitter(em))
	m := NewManager(l, NewMemoryStore(), WithEmitter(em))
	ctx := context.Background()
	_, err := l.RecordMovement(ctx, ledger.MovementRequest{SKU: skuX, Type: ledger.Inbound, Delta: 5, Reason: ledger.ReasonReceipt})
	require.NoError(t, err)
	_, err = m.Hold(ctx, "order-A", []LineItem{{SKU: skuX, Quantity: 2}})
	require.NoError(t, err)

	armed.Store(true)
	committed := make(chan error, 1)
	go func() { committed <- m.Commit(ctx, "order-A") }()
	require.Eventually(t, func() bool {
		rs, _ := m.List(ctx, "order-A")
		return len(rs) == 1 && rs[0].Status == StatusCommitted
	}, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- m.Release(ctx, "order-A") }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("order lock held while reservation events were delivered")
	}
	close(release)
	require.NoError(t, <-committed)
}
