package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-realtime-ledger/internal/events"
	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
	"github.com/ariefcatur/go-realtime-ledger/internal/metrics"
)

type fakeStock struct {
	mu        sync.Mutex
	commits   []string
	releases  []string
	commitErr error
}

func (f *fakeStock) Commit(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits = append(f.commits, orderID)
	return nil
}

func (f *fakeStock) Release(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, orderID)
	return nil
}

type fakeCoupons struct {
	redeemed  map[string]string
	redeemErr error
}

func (f *fakeCoupons) Redeem(_ context.Context, code, _, orderID string) error {
	if f.redeemErr != nil {
		return f.redeemErr
	}
	f.redeemed[orderID] = code
	return nil
}

func (f *fakeCoupons) Revoke(_ context.Context, _, orderID string) error {
	delete(f.redeemed, orderID)
	return nil
}

type fakeRefunder struct{ calls []string }

func (f *fakeRefunder) RefundOrder(_ context.Context, orderID, _ string) error {
	f.calls = append(f.calls, orderID)
	return nil
}

var fixedNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func draft() Draft {
	return Draft{
		CustomerID: "cust-1",
		Items: []LineItem{
			{SKU: ledger.SKU{ProductID: "X"}, Quantity: 2, UnitPrice: 1500, CategoryID: "shoes"},
			{SKU: ledger.SKU{ProductID: "Y", VariantID: "red"}, Quantity: 1, UnitPrice: 1000},
		},
		DeliveryFee: 500,
		Address:     Address{Ref: "addr-1", City: "Bandung"},
	}
}

func newLifecycle(t *testing.T, opts ...Option) (*Lifecycle, *MemoryStore, *fakeStock) {
	t.Helper()
	store := NewMemoryStore()
	stock := &fakeStock{}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewLifecycle(store, stock, opts...), store, stock
}

func TestCreateRecomputesTotals(t *testing.T) {
	lc, _, _ := newLifecycle(t, WithTaxRate(1100))
	d := draft()
	d.Items[0].Subtotal = 1
	d.CouponCode = "SAVE"
	d.Discount = 999

	o, err := lc.Create(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, PaymentPending, o.PaymentStatus)
	assert.Equal(t, int64(3000), o.Items[0].Subtotal)
	assert.Equal(t, Totals{Subtotal: 4000, Discount: 999, DeliveryFee: 500, Tax: 330, Total: 3831}, o.Totals)
	assert.Equal(t, []string{"shoes"}, o.CategoryIDs())
	assert.Equal(t, []string{"X", "Y"}, o.ProductIDs())
}

func TestComputeTotalsClampsDiscount(t *testing.T) {
	_, totals, err := ComputeTotals([]LineItem{{SKU: ledger.SKU{ProductID: "A"}, Quantity: 1, UnitPrice: 3000}}, 5000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), totals.Discount)
	assert.Zero(t, totals.Total)
}

func TestCreateValidation(t *testing.T) {
	lc, _, _ := newLifecycle(t)
	ctx := context.Background()

	d := draft()
	d.CustomerID = ""
	_, err := lc.Create(ctx, d)
	assert.True(t, fault.Is(err, fault.KindValidation))

	d = draft()
	d.Items = nil
	_, err = lc.Create(ctx, d)
	assert.True(t, fault.Is(err, fault.KindValidation))

	d = draft()
	d.Discount = 10
	_, err = lc.Create(ctx, d)
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestConfirmNeedsPayment(t *testing.T) {
	lc, _, stock := newLifecycle(t)
	ctx := context.Background()
	o, err := lc.Create(ctx, draft())
	require.NoError(t, err)

	_, err = lc.Transition(ctx, o.ID, StatusConfirmed, TransitionOptions{})
	var pre *PaymentRequiredError
	require.ErrorAs(t, err, &pre)
	assert.Empty(t, stock.commits)

	o, err = lc.Transition(ctx, o.ID, StatusConfirmed, TransitionOptions{ManualOverride: true, Reason: "bank transfer checked"})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, o.Status)
	assert.Equal(t, []string{o.ID}, stock.commits)
	require.Len(t, o.History, 2)
	assert.True(t, o.History[1].Override)
}

func TestConfirmRedeemsCouponAndRevokesOnCommitFailure(t *testing.T) {
	coupons := &fakeCoupons{redeemed: map[string]string{}}
	lc, _, stock := newLifecycle(t, WithCoupons(coupons))
	ctx := context.Background()
	d := draft()
	d.CouponCode = "SAVE"
	d.Discount = 100
	o, err := lc.Create(ctx, d)
	require.NoError(t, err)
	_, err = lc.SyncPaymentStatus(ctx, o.ID, PaymentPaid)
	require.NoError(t, err)

	stock.commitErr = errors.New("boom")
	got, err := lc.Transition(ctx, o.ID, StatusConfirmed, TransitionOptions{})
	require.Error(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, coupons.redeemed)

	stock.commitErr = nil
	got, err = lc.Transition(ctx, o.ID, StatusConfirmed, TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, "SAVE", coupons.redeemed[o.ID])
}

func TestConfirmFailsWhenCouponCapReached(t *testing.T) {
	coupons := &fakeCoupons{redeemed: map[string]string{}, redeemErr: errors.New("cap")}
	lc, _, stock := newLifecycle(t, WithCoupons(coupons))
	ctx := context.Background()
	d := draft()
	d.CouponCode = "SAVE"
	d.Discount = 100
	o, _ := lc.Create(ctx, d)

	got, err := lc.Transition(ctx, o.ID, StatusConfirmed, TransitionOptions{ManualOverride: true})
	require.Error(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, stock.commits)
}

func TestCancelPaidOrderRefundsFirst(t *testing.T) {
	refunder := &fakeRefunder{}
	rec := &events.Recorder{}
	lc, _, stock := newLifecycle(t, WithRefunder(refunder), WithEmitter(events.NewEmitter(rec, "test", zerolog.Nop())))
	ctx := context.Background()
	o, _ := lc.Create(ctx, draft())
	_, _ = lc.SyncPaymentStatus(ctx, o.ID, PaymentPaid)
	_, err := lc.Transition(ctx, o.ID, StatusConfirmed, TransitionOptions{})
	require.NoError(t, err)

	o, err = lc.Transition(ctx, o.ID, StatusCancelled, TransitionOptions{Reason: "customer request"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, PaymentRefunded, o.PaymentStatus)
	assert.Equal(t, "customer request", o.CancelReason)
	assert.True(t, o.Archived)
	assert.Equal(t, []string{o.ID}, refunder.calls)
	assert.Equal(t, []string{o.ID}, stock.releases)

	assert.Equal(t, []string{events.EventOrderNotification, events.EventOrderNotification}, rec.Types(events.TopicOrderNotifications))
	assert.Len(t, rec.Types(events.TopicOrderTransitions), 3)
}

func TestCancelPartiallyRefundedOrderRefundsRemainder(t *testing.T) {
	refunder := &fakeRefunder{}
	lc, _, _ := newLifecycle(t, WithRefunder(refunder))
	ctx := context.Background()
	o, _ := lc.Create(ctx, draft())
	_, _ = lc.SyncPaymentStatus(ctx, o.ID, PaymentPaid)
	_, err := lc.Transition(ctx, o.ID, StatusConfirmed, TransitionOptions{})
	require.NoError(t, err)
	_, _ = lc.SyncPaymentStatus(ctx, o.ID, PaymentPartiallyRefunded)

	o, err = lc.Transition(ctx, o.ID, StatusCancelled, TransitionOptions{Reason: "out of patience"})
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, o.PaymentStatus)
	assert.Equal(t, []string{o.ID}, refunder.calls)
}

func TestTransitionEventsDoNotHoldOrderLock(t *testing.T) {
	release := make(chan struct{})
	slow := events.SinkFunc(func(_ context.Context, _ string, env events.Envelope) error {
		if env.EventType == events.EventOrderTransitioned {
			<-release
		}
		return nil
	})
	lc, store, _ := newLifecycle(t)
	ctx := context.Background()
	o, _ := lc.Create(ctx, draft())
	lc.events = events.NewEmitter(slow, "test", zerolog.Nop())

	transitioned := make(chan struct{})
	go func() {
		defer close(transitioned)
		_, _ = lc.Transition(ctx, o.ID, StatusConfirmed, TransitionOptions{ManualOverride: true})
	}()
	require.Eventually(t, func() bool {
		got, _ := store.Get(ctx, o.ID)
		return got.Status == StatusConfirmed
	}, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := lc.SyncPaymentStatus(ctx, o.ID, PaymentPaid)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("order lock held while the transition event was delivered")
	}
	close(release)
	<-transitioned
}

func TestCancelPaidOrderWithoutRefunderIsInvariant(t *testing.T) {
	lc, _, stock := newLifecycle(t)
	ctx := context.Background()
	o, _ := lc.Create(ctx, draft())
	_, _ = lc.SyncPaymentStatus(ctx, o.ID, PaymentPaid)

	got, err := lc.Transition(ctx, o.ID, StatusCancelled, TransitionOptions{})
	assert.True(t, fault.Is(err, fault.KindInvariant))
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, stock.releases)
}

func TestSequentialFulfilment(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	lc, _, _ := newLifecycle(t, WithMetrics(m))
	ctx := context.Background()
	o, _ := lc.Create(ctx, draft())

	_, err := lc.Transition(ctx, o.ID, StatusShipped, TransitionOptions{})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusPending, ite.From)

	for _, to := range []Status{StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered} {
		o, err = lc.Transition(ctx, o.ID, to, TransitionOptions{ManualOverride: true})
		require.NoError(t, err)
	}
	assert.True(t, o.Archived)
	assert.Len(t, o.History, 5)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrderTransitions.WithLabelValues("shipped", "delivered")))

	_, err = lc.Transition(ctx, o.ID, StatusCancelled, TransitionOptions{})
	require.ErrorAs(t, err, &ite)
}

func TestTransitionTableIsExhaustive(t *testing.T) {
	ctx := context.Background()
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			if CanTransition(from, to) {
				continue
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				lc, store, stock := newLifecycle(t, WithRefunder(&fakeRefunder{}))
				o, err := lc.Create(ctx, draft())
				require.NoError(t, err)
				o.Status = from
				o.PaymentStatus = PaymentPaid
				require.NoError(t, store.Update(ctx, o, o.Version))

				_, err = lc.Transition(ctx, o.ID, to, TransitionOptions{ManualOverride: true})
				var ite *InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, from, ite.From)
				assert.Equal(t, to, ite.To)
				assert.Equal(t, fault.KindBusiness, fault.KindOf(err))

				got, _ := store.Get(ctx, o.ID)
				assert.Equal(t, from, got.Status)
				assert.Empty(t, stock.commits)
				assert.Empty(t, stock.releases)
			})
		}
	}
}

func TestTransitionsSerializedPerOrder(t *testing.T) {
	lc, _, stock := newLifecycle(t)
	ctx := context.Background()
	o, _ := lc.Create(ctx, draft())

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := lc.Transition(ctx, o.ID, StatusConfirmed, TransitionOptions{ManualOverride: true}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Len(t, stock.commits, 1)
}

func TestStaleListsOnlyOldPending(t *testing.T) {
	lc, _, _ := newLifecycle(t)
	ctx := context.Background()
	old, _ := lc.Create(ctx, draft())
	_, _ = lc.Create(ctx, draft())

	stale, err := lc.Stale(ctx, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	_, err = lc.Transition(ctx, old.ID, StatusCancelled, TransitionOptions{})
	require.NoError(t, err)
	stale, _ = lc.Stale(ctx, fixedNow.Add(time.Minute))
	assert.Len(t, stale, 1)

	stale, _ = lc.Stale(ctx, fixedNow)
	assert.Empty(t, stale)
}
