package seed

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-realtime-ledger/internal/coupon"
	"github.com/ariefcatur/go-realtime-ledger/internal/fulfillment"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
)

const fixture = `
products:
  - product_id: TSHIRT
    variant_id: M
    name: Tee
    category_id: apparel
    unit_price: 75000
    stock: 12
  - product_id: MUG
    name: Mug
    unit_price: 40000
coupons:
  - code: save10
    type: percentage
    value: 10
    usage_cap: 100
    category_ids: [apparel]
    ends_at: 2030-01-01T00:00:00Z
`

func TestApplyIsRepeatable(t *testing.T) {
	f, err := Parse(strings.NewReader(fixture))
	require.NoError(t, err)
	require.Len(t, f.Products, 2)

	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	catalog := fulfillment.NewMemoryCatalog()
	coupons := coupon.NewMemoryRepository()

	require.NoError(t, Apply(ctx, f, catalog, coupons, l))
	require.NoError(t, Apply(ctx, f, catalog, coupons, l))

	tee := ledger.SKU{ProductID: "TSHIRT", VariantID: "M"}
	lvl, err := l.Level(ctx, tee)
	require.NoError(t, err)
	assert.Equal(t, 12, lvl.Quantity)

	got, err := catalog.Lookup(ctx, []ledger.SKU{tee, {ProductID: "MUG"}})
	require.NoError(t, err)
	assert.Equal(t, int64(40000), got[ledger.SKU{ProductID: "MUG"}].UnitPrice)

	c, err := coupons.Get(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, coupon.Percentage, c.Type)
	assert.True(t, c.Active)
	assert.Equal(t, 2030, c.EndsAt.Year())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("products:\n  - sku: X\n"))
	assert.Error(t, err)
}

func TestApplyRejectsBadCoupon(t *testing.T) {
	f := File{Coupons: []Coupon{{Code: "BAD", Type: "percentage", Value: 150}}}
	l := ledger.New(ledger.NewMemoryStore())
	err := Apply(context.Background(), f, fulfillment.NewMemoryCatalog(), coupon.NewMemoryRepository(), l)
	assert.Error(t, err)
}
