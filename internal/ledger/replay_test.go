package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

func TestReplayReproducesLevel(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	sku := SKU{ProductID: "shirt", VariantID: "L"}
	steps := []MovementRequest{
		{SKU: sku, Type: Inbound, Delta: 10, Reason: ReasonReceipt},
		{SKU: sku, Type: Reservation, Delta: 4, Reason: ReasonOrderHold},
		{SKU: sku, Type: Outbound, Delta: -4, Reason: ReasonOrderCommit, FromReservation: true},
		{SKU: sku, Type: Return, Delta: 1, Reason: ReasonReturn},
		{SKU: sku, Type: Reservation, Delta: 2, Reason: ReasonOrderHold},
		{SKU: sku, Type: Reservation, Delta: -2, Reason: ReasonHoldRelease},
	}
	for _, s := range steps {
		_, err := l.RecordMovement(ctx, s)
		require.NoError(t, err)
	}

	log, err := l.Movements(ctx, sku)
	require.NoError(t, err)
	got, err := Replay(sku, log)
	require.NoError(t, err)
	want, _ := l.Level(ctx, sku)

	assert.Equal(t, want.Quantity, got.Quantity)
	assert.Equal(t, want.Reserved, got.Reserved)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, 7, got.Quantity)
}

func TestReplayDetectsBrokenLog(t *testing.T) {
	sku := SKU{ProductID: "X"}
	log := []Movement{
		{ID: "m1", SKU: sku, Type: Inbound, Delta: 5, BalanceBefore: 0, BalanceAfter: 5, Sequence: 1},
		{ID: "m2", SKU: sku, Type: Inbound, Delta: 5, BalanceBefore: 4, BalanceAfter: 9, Sequence: 2},
	}
	_, err := Replay(sku, log)
	assert.Equal(t, fault.KindInvariant, fault.KindOf(err))

	log[1] = Movement{ID: "m2", SKU: sku, Type: Inbound, Delta: 5, BalanceBefore: 5, BalanceAfter: 10, Sequence: 3}
	_, err = Replay(sku, log)
	assert.Equal(t, fault.KindInvariant, fault.KindOf(err))
}

func TestParseSKURoundTrip(t *testing.T) {
	for _, s := range []SKU{{ProductID: "p"}, {ProductID: "p", VariantID: "v"}} {
		assert.Equal(t, s, ParseSKU(s.String()))
	}
}
