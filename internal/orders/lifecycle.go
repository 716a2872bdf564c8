// Package orders holds the order model and the order status machine. Every
// status change goes through Lifecycle.Transition, one at a time per order.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-realtime-ledger/internal/events"
	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/keylock"
	"github.com/ariefcatur/go-realtime-ledger/internal/metrics"
)

// Reservations is the stock side of confirmation and cancellation.
type Reservations interface {
	Commit(ctx context.Context, orderID string) error
	Release(ctx context.Context, orderID string) error
}

// Coupons consumes a coupon use when an order commits.
type Coupons interface {
	Redeem(ctx context.Context, code, customerID, orderID string) error
	Revoke(ctx context.Context, code, orderID string) error
}

// Refunder pays back whatever is still owed on an order before it is
// cancelled, the remainder after any partial refund. It runs with the order
// locked and must not call back into the Lifecycle. It must be a no-op when
// nothing is left to refund.
type Refunder interface {
	RefundOrder(ctx context.Context, orderID, reason string) error
}

type Lifecycle struct {
	store        Store
	reservations Reservations
	coupons      Coupons
	refunder     Refunder
	locks        *keylock.Map
	events       *events.Emitter
	metrics      *metrics.Metrics
	log          zerolog.Logger
	now          func() time.Time
	newID        func() string
	taxBps       int64
	timeout      time.Duration
}

type Option func(*Lifecycle)

func WithCoupons(c Coupons) Option           { return func(lc *Lifecycle) { lc.coupons = c } }
func WithRefunder(r Refunder) Option         { return func(lc *Lifecycle) { lc.refunder = r } }
func WithEmitter(e *events.Emitter) Option   { return func(lc *Lifecycle) { lc.events = e } }
func WithMetrics(m *metrics.Metrics) Option  { return func(lc *Lifecycle) { lc.metrics = m } }
func WithLogger(log zerolog.Logger) Option   { return func(lc *Lifecycle) { lc.log = log } }
func WithClock(now func() time.Time) Option  { return func(lc *Lifecycle) { lc.now = now } }
func WithIDGenerator(f func() string) Option { return func(lc *Lifecycle) { lc.newID = f } }
func WithTaxRate(bps int64) Option           { return func(lc *Lifecycle) { lc.taxBps = bps } }
func WithCompensationTimeout(d time.Duration) Option {
	return func(lc *Lifecycle) { lc.timeout = d }
}

func NewLifecycle(store Store, reservations Reservations, opts ...Option) *Lifecycle {
	lc := &Lifecycle{
		store:        store,
		reservations: reservations,
		locks:        keylock.New(),
		log:          zerolog.Nop(),
		now:          time.Now,
		newID:        uuid.NewString,
		timeout:      10 * time.Second,
	}
	for _, opt := range opts {
		opt(lc)
	}
	return lc
}

// Draft is what a new order is built from. Totals are always derived here,
// never taken from the caller.
type Draft struct {
	ID          string
	ExternalID  string
	CustomerID  string
	Items       []LineItem
	CouponCode  string
	Discount    int64
	DeliveryFee int64
	Address     Address
}

type TransitionOptions struct {
	ManualOverride bool
	Reason         string
}

func (lc *Lifecycle) Create(ctx context.Context, d Draft) (Order, error) {
	if d.CustomerID == "" {
		return Order{}, fault.Validation("order: customer id is required")
	}
	if d.Discount > 0 && d.CouponCode == "" {
		return Order{}, fault.Validation("order: a discount needs a coupon")
	}
	lines, totals, err := ComputeTotals(d.Items, d.Discount, d.DeliveryFee, lc.taxBps)
	if err != nil {
		return Order{}, err
	}
	id := d.ID
	if id == "" {
		id = lc.newID()
	}
	now := lc.now().UTC()
	o := Order{
		ID:            id,
		ExternalID:    d.ExternalID,
		CustomerID:    d.CustomerID,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		Items:         lines,
		Totals:        totals,
		CouponCode:    d.CouponCode,
		Address:       d.Address,
		History:       []StatusChange{{To: StatusPending, At: now}},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := lc.store.Insert(ctx, o); err != nil {
		return Order{}, fmt.Errorf("insert order %s: %w", id, err)
	}
	lc.log.Info().Str("order_id", id).Str("customer_id", o.CustomerID).Int64("total", totals.Total).Msg("order created")
	lc.audit(ctx, o, "", StatusPending, TransitionOptions{})
	return o, nil
}

func (lc *Lifecycle) Get(ctx context.Context, id string) (Order, error) {
	return lc.store.Get(ctx, id)
}

func (lc *Lifecycle) GetByExternalID(ctx context.Context, externalID string) (Order, error) {
	return lc.store.GetByExternalID(ctx, externalID)
}

// Stale lists pending orders created before cutoff.
func (lc *Lifecycle) Stale(ctx context.Context, cutoff time.Time) ([]Order, error) {
	return lc.store.ListStale(ctx, StatusPending, cutoff)
}

// Transition moves the order to `to`, running the stock, coupon and refund
// side effects that belong to the move. If a side effect fails the order is
// not changed. Events go out once the order lock is released.
func (lc *Lifecycle) Transition(ctx context.Context, id string, to Status, opts TransitionOptions) (Order, error) {
	if !to.Valid() {
		return Order{}, fault.Validation("order: unknown status %q", to)
	}
	// reservation, coupon and refund events raised under the lock wait for it
	hctx, flush := events.Deferred(ctx)
	o, from, err := lc.transition(hctx, id, to, opts)
	flush()
	if err != nil {
		return o, err
	}
	lc.metrics.OrderTransition(string(from), string(to))
	lc.log.Info().Str("order_id", id).Str("from", string(from)).Str("to", string(to)).
		Bool("override", opts.ManualOverride).Msg("order transitioned")
	lc.audit(ctx, o, from, to, opts)
	switch to {
	case StatusConfirmed:
		lc.notify(ctx, o, "order confirmed")
	case StatusCancelled:
		lc.notify(ctx, o, "order cancelled")
	}
	return o, nil
}

func (lc *Lifecycle) transition(ctx context.Context, id string, to Status, opts TransitionOptions) (Order, Status, error) {
	unlock, err := lc.locks.Lock(ctx, id)
	if err != nil {
		return Order{}, "", err
	}
	defer unlock()

	o, err := lc.store.Get(ctx, id)
	if err != nil {
		return Order{}, "", err
	}
	from := o.Status
	if !CanTransition(from, to) {
		return o, from, &InvalidTransitionError{OrderID: id, From: from, To: to}
	}

	switch to {
	case StatusConfirmed:
		if err := lc.confirm(ctx, &o, opts); err != nil {
			return lc.reload(ctx, id, o), from, err
		}
	case StatusCancelled:
		if err := lc.cancel(ctx, &o, from, opts); err != nil {
			return lc.reload(ctx, id, o), from, err
		}
	}

	if err := lc.save(ctx, &o, to, opts); err != nil {
		return Order{}, from, err
	}
	return o, from, nil
}

// SyncPaymentStatus records the state of the order's payment. It never
// changes the order status.
func (lc *Lifecycle) SyncPaymentStatus(ctx context.Context, id string, ps PaymentStatus) (Order, error) {
	unlock, err := lc.locks.Lock(ctx, id)
	if err != nil {
		return Order{}, err
	}
	defer unlock()

	o, err := lc.store.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if o.PaymentStatus == ps {
		return o, nil
	}
	prev := o.Version
	o.PaymentStatus = ps
	o.Version++
	o.UpdatedAt = lc.now().UTC()
	if err := lc.store.Update(ctx, o, prev); err != nil {
		return Order{}, fmt.Errorf("sync payment status %s: %w", id, err)
	}
	lc.log.Debug().Str("order_id", id).Str("payment_status", string(ps)).Msg("order payment status synced")
	return o, nil
}

func (lc *Lifecycle) confirm(ctx context.Context, o *Order, opts TransitionOptions) error {
	if o.PaymentStatus != PaymentPaid && !opts.ManualOverride {
		return &PaymentRequiredError{OrderID: o.ID, PaymentStatus: o.PaymentStatus}
	}
	redeemed := false
	if o.CouponCode != "" && lc.coupons != nil {
		if err := lc.coupons.Redeem(ctx, o.CouponCode, o.CustomerID, o.ID); err != nil {
			return fmt.Errorf("redeem coupon for %s: %w", o.ID, err)
		}
		redeemed = true
	}
	if err := lc.reservations.Commit(ctx, o.ID); err != nil {
		if redeemed {
			lc.revoke(ctx, *o)
		}
		return fmt.Errorf("commit stock for %s: %w", o.ID, err)
	}
	return nil
}

func (lc *Lifecycle) cancel(ctx context.Context, o *Order, from Status, opts TransitionOptions) error {
	ctx, done := context.WithTimeout(context.WithoutCancel(ctx), lc.timeout)
	defer done()

	if o.PaymentStatus.Refundable() {
		if lc.refunder == nil {
			err := fault.Invariant("order %s is paid but no refunder is configured", o.ID)
			lc.log.Error().Err(err).Bool("invariant", true).Str("order_id", o.ID).Msg("cancel paid order")
			return err
		}
		if err := lc.refunder.RefundOrder(ctx, o.ID, opts.Reason); err != nil {
			return fmt.Errorf("refund before cancel %s: %w", o.ID, err)
		}
		o.PaymentStatus = PaymentRefunded
	}
	if err := lc.reservations.Release(ctx, o.ID); err != nil {
		return fmt.Errorf("release stock for %s: %w", o.ID, err)
	}
	if from != StatusPending && o.CouponCode != "" {
		lc.revoke(ctx, *o)
	}
	o.CancelReason = opts.Reason
	return nil
}

func (lc *Lifecycle) revoke(ctx context.Context, o Order) {
	if lc.coupons == nil {
		return
	}
	ctx, done := context.WithTimeout(context.WithoutCancel(ctx), lc.timeout)
	defer done()
	if err := lc.coupons.Revoke(ctx, o.CouponCode, o.ID); err != nil {
		lc.log.Error().Err(err).Str("order_id", o.ID).Str("coupon", o.CouponCode).Msg("coupon revoke failed")
	}
}

func (lc *Lifecycle) save(ctx context.Context, o *Order, to Status, opts TransitionOptions) error {
	now := lc.now().UTC()
	prev := o.Version
	o.History = append(o.History, StatusChange{From: o.Status, To: to, Reason: opts.Reason, Override: opts.ManualOverride, At: now})
	o.Status = to
	o.Archived = to.Terminal()
	o.Version++
	o.UpdatedAt = now
	if err := lc.store.Update(ctx, *o, prev); err != nil {
		lc.log.Error().Err(err).Bool("invariant", true).Str("order_id", o.ID).Str("to", string(to)).
			Msg("order side effects applied but status not saved")
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (lc *Lifecycle) reload(ctx context.Context, id string, fallback Order) Order {
	o, err := lc.store.Get(ctx, id)
	if err != nil {
		return fallback
	}
	return o
}

func (lc *Lifecycle) audit(ctx context.Context, o Order, from, to Status, opts TransitionOptions) {
	lc.events.Emit(ctx, events.TopicOrderTransitions, events.EventOrderTransitioned, o.ID, events.TransitionPayload{
		OrderID:  o.ID,
		From:     string(from),
		To:       string(to),
		Reason:   opts.Reason,
		Override: opts.ManualOverride,
		At:       o.UpdatedAt,
	})
}

func (lc *Lifecycle) notify(ctx context.Context, o Order, msg string) {
	lc.events.Emit(ctx, events.TopicOrderNotifications, events.EventOrderNotification, o.ID, events.NotificationPayload{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Status:     string(o.Status),
		Amount:     o.Totals.Total,
		Message:    msg,
	})
}
