package coupon

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/metrics"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEvaluator(t *testing.T, cs ...Coupon) (*Evaluator, *MemoryCounter) {
	t.Helper()
	counter := NewMemoryCounter()
	return NewEvaluator(NewMemoryRepository(cs...), counter, WithClock(func() time.Time { return now })), counter
}

func TestDiscount(t *testing.T) {
	tests := []struct {
		name     string
		c        Coupon
		subtotal int64
		want     int64
	}{
		{"percentage floors", Coupon{Type: Percentage, Value: 15}, 999, 149},
		{"percentage full", Coupon{Type: Percentage, Value: 100}, 5000, 5000},
		{"fixed below subtotal", Coupon{Type: FixedAmount, Value: 500}, 3000, 500},
		{"fixed capped at subtotal", Coupon{Type: FixedAmount, Value: 5000}, 3000, 3000},
		{"zero subtotal", Coupon{Type: FixedAmount, Value: 5000}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Discount(tt.c, tt.subtotal))
		})
	}
}

func TestEvaluateFixedAmountNeverExceedsSubtotal(t *testing.T) {
	e, _ := newEvaluator(t, Coupon{Code: "SAVE5000", Type: FixedAmount, Value: 5000, Active: true})

	res, err := e.Evaluate(context.Background(), EvaluateRequest{Code: "save5000", Subtotal: 3000})
	require.NoError(t, err)
	assert.Equal(t, "SAVE5000", res.CouponCode)
	assert.Equal(t, int64(3000), res.Discount)
}

func TestEvaluateRejections(t *testing.T) {
	base := Coupon{Code: "C", Type: Percentage, Value: 10, Active: true}
	with := func(f func(*Coupon)) Coupon {
		c := base
		f(&c)
		return c
	}

	tests := []struct {
		name   string
		coupon Coupon
		req    EvaluateRequest
		target any
	}{
		{"unknown code", base, EvaluateRequest{Code: "NOPE", Subtotal: 100}, new(*NotFoundError)},
		{"not started", with(func(c *Coupon) { c.StartsAt = now.Add(time.Hour) }), EvaluateRequest{Code: "C", Subtotal: 100}, new(*ExpiredError)},
		{"ended", with(func(c *Coupon) { c.EndsAt = now.Add(-time.Second) }), EvaluateRequest{Code: "C", Subtotal: 100}, new(*ExpiredError)},
		{"inactive", with(func(c *Coupon) { c.Active = false }), EvaluateRequest{Code: "C", Subtotal: 100}, new(*InactiveError)},
		{"minimum", with(func(c *Coupon) { c.MinPurchase = 1000 }), EvaluateRequest{Code: "C", Subtotal: 999}, new(*MinimumPurchaseNotMetError)},
		{"per customer", with(func(c *Coupon) { c.PerCustomerCap = 1 }), EvaluateRequest{Code: "C", Subtotal: 100, CustomerPriorUsage: 1}, new(*UsageLimitExceededError)},
		{"category mismatch", with(func(c *Coupon) { c.CategoryIDs = []string{"shoes"} }), EvaluateRequest{Code: "C", Subtotal: 100, CategoryIDs: []string{"hats"}}, new(*NotApplicableError)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEvaluator(t, tt.coupon)
			_, err := e.Evaluate(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorAs(t, err, tt.target)
			assert.Equal(t, fault.KindBusiness, fault.KindOf(err))
		})
	}
}

func TestEvaluateRestrictionMatchesProduct(t *testing.T) {
	e, _ := newEvaluator(t, Coupon{Code: "P", Type: FixedAmount, Value: 100, Active: true, ProductIDs: []string{"p-1"}})
	res, err := e.Evaluate(context.Background(), EvaluateRequest{Code: "P", Subtotal: 500, ProductIDs: []string{"p-9", "p-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Discount)
}

func TestEvaluateIsDryRun(t *testing.T) {
	e, counter := newEvaluator(t, Coupon{Code: "ONCE", Type: FixedAmount, Value: 100, Active: true, UsageCap: 1})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := e.Evaluate(ctx, EvaluateRequest{Code: "ONCE", Subtotal: 500})
		require.NoError(t, err)
	}
	used, _ := counter.Usage(ctx, "ONCE")
	assert.Zero(t, used)
}

func TestEvaluateGlobalCapReached(t *testing.T) {
	e, _ := newEvaluator(t, Coupon{Code: "ONCE", Type: FixedAmount, Value: 100, Active: true, UsageCap: 1})
	ctx := context.Background()
	require.NoError(t, e.Redeem(ctx, "ONCE", "cust-1", "order-1"))

	_, err := e.Evaluate(ctx, EvaluateRequest{Code: "ONCE", Subtotal: 500})
	var ule *UsageLimitExceededError
	require.ErrorAs(t, err, &ule)
	assert.Equal(t, ScopeGlobal, ule.Scope)
}

func TestRedeemIsIdempotentPerOrderAndRevocable(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	counter := NewMemoryCounter()
	e := NewEvaluator(NewMemoryRepository(Coupon{Code: "TWO", Type: FixedAmount, Value: 1, Active: true, UsageCap: 2, PerCustomerCap: 1}), counter, WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, e.Redeem(ctx, "TWO", "cust-1", "order-1"))
	require.NoError(t, e.Redeem(ctx, "TWO", "cust-1", "order-1"))
	used, _ := counter.Usage(ctx, "TWO")
	assert.Equal(t, 1, used)

	err := e.Redeem(ctx, "TWO", "cust-1", "order-2")
	var ule *UsageLimitExceededError
	require.ErrorAs(t, err, &ule)
	assert.Equal(t, ScopeCustomer, ule.Scope)

	require.NoError(t, e.Revoke(ctx, "TWO", "order-1"))
	require.NoError(t, e.Revoke(ctx, "TWO", "order-1"))
	prior, _ := e.PriorUsage(ctx, "two", "cust-1")
	assert.Zero(t, prior)
	require.NoError(t, e.Redeem(ctx, "TWO", "cust-1", "order-2"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.CouponRedemptions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CouponRedemptions.WithLabelValues("rejected")))
}

func TestConcurrentRedeemLastSlot(t *testing.T) {
	e, counter := newEvaluator(t, Coupon{Code: "LAST", Type: FixedAmount, Value: 1, Active: true, UsageCap: 10})
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		require.NoError(t, counter.Redeem(ctx, Redemption{Code: "LAST", CustomerID: "seed", OrderID: string(rune('a' + i)), TotalCap: 10}))
	}

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for _, id := range []string{"order-x", "order-y"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := e.Redeem(ctx, "LAST", id, id); err != nil {
				rejected.Add(1)
				return
			}
			ok.Add(1)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), rejected.Load())
	used, _ := counter.Usage(ctx, "LAST")
	assert.Equal(t, 10, used)
}

func TestCouponValidate(t *testing.T) {
	assert.Error(t, Coupon{Code: "X", Type: Percentage, Value: 101}.Validate())
	assert.Error(t, Coupon{Code: "", Type: FixedAmount, Value: 1}.Validate())
	assert.Error(t, Coupon{Code: "X", Type: "bogus", Value: 1}.Validate())
	assert.Error(t, Coupon{Code: "X", Type: FixedAmount, Value: 1, StartsAt: now, EndsAt: now.Add(-time.Hour)}.Validate())
	assert.NoError(t, Coupon{Code: "X", Type: Percentage, Value: 100}.Validate())
}
