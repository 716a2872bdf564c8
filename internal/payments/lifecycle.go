// Package payments is the payment attempt state machine: initiate, then
// confirm or fail, then optionally refund.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-realtime-ledger/internal/events"
	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/keylock"
	"github.com/ariefcatur/go-realtime-ledger/internal/metrics"
)

// Lifecycle serializes every change per order id, so two attempts of one
// order never race.
type Lifecycle struct {
	store   Store
	locks   *keylock.Map
	events  *events.Emitter
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
	newID   func() string
}

type Option func(*Lifecycle)

func WithEmitter(e *events.Emitter) Option   { return func(lc *Lifecycle) { lc.events = e } }
func WithMetrics(m *metrics.Metrics) Option  { return func(lc *Lifecycle) { lc.metrics = m } }
func WithLogger(log zerolog.Logger) Option   { return func(lc *Lifecycle) { lc.log = log } }
func WithClock(now func() time.Time) Option  { return func(lc *Lifecycle) { lc.now = now } }
func WithIDGenerator(f func() string) Option { return func(lc *Lifecycle) { lc.newID = f } }

func NewLifecycle(store Store, opts ...Option) *Lifecycle {
	lc := &Lifecycle{
		store: store,
		locks: keylock.New(),
		log:   zerolog.Nop(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(lc)
	}
	return lc
}

func (lc *Lifecycle) Initiate(ctx context.Context, orderID, method string, amount int64) (Payment, error) {
	if orderID == "" || method == "" {
		return Payment{}, fault.Validation("payment: order id and method are required")
	}
	if amount < 0 {
		return Payment{}, fault.Validation("payment: amount must not be negative, got %d", amount)
	}
	unlock, err := lc.locks.Lock(ctx, orderID)
	if err != nil {
		return Payment{}, err
	}
	defer unlock()

	existing, err := lc.store.ListByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, fmt.Errorf("list payments %s: %w", orderID, err)
	}
	for _, p := range existing {
		if p.Status.Active() {
			return Payment{}, &DuplicateActivePaymentError{OrderID: orderID, ExistingID: p.ID, Status: p.Status}
		}
	}

	now := lc.now().UTC()
	p := Payment{
		ID:        lc.newID(),
		OrderID:   orderID,
		Method:    method,
		Amount:    amount,
		Status:    StatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := lc.store.Insert(ctx, p); err != nil {
		return Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	lc.log.Info().Str("order_id", orderID).Str("payment_id", p.ID).Int64("amount", amount).Str("method", method).Msg("payment initiated")
	lc.audit(ctx, p, "", "")
	return p, nil
}

// AttachSession stores what the gateway handed back for a pending attempt.
func (lc *Lifecycle) AttachSession(ctx context.Context, id, externalRef, paymentURL string) (Payment, error) {
	return lc.mutate(ctx, id, func(p *Payment) (Status, error) {
		if p.Status != StatusPending {
			return "", &PaymentNotPendingError{PaymentID: p.ID, Status: p.Status}
		}
		p.ExternalRef = externalRef
		p.PaymentURL = paymentURL
		return p.Status, nil
	})
}

// Confirm settles a pending attempt. A repeated confirmation with the same
// gateway reference is a no-op.
func (lc *Lifecycle) Confirm(ctx context.Context, id, gatewayRef string) (Payment, error) {
	return lc.mutate(ctx, id, func(p *Payment) (Status, error) {
		if p.Status == StatusPaid && p.GatewayRef == gatewayRef {
			return "", errNoop
		}
		if p.Status != StatusPending {
			return "", &PaymentNotPendingError{PaymentID: p.ID, Status: p.Status}
		}
		at := lc.now().UTC()
		p.GatewayRef = gatewayRef
		p.PaidAt = &at
		return StatusPaid, nil
	})
}

// Fail closes a pending attempt. Failing an already failed attempt is a
// no-op so timeouts and late gateway callbacks can both report it.
func (lc *Lifecycle) Fail(ctx context.Context, id, reason string) (Payment, error) {
	return lc.mutate(ctx, id, func(p *Payment) (Status, error) {
		if p.Status == StatusFailed {
			return "", errNoop
		}
		if p.Status != StatusPending {
			return "", &PaymentNotPendingError{PaymentID: p.ID, Status: p.Status}
		}
		p.FailureReason = reason
		return StatusFailed, nil
	})
}

// Refund returns amount of a paid attempt. Partial refunds add up until the
// whole amount is back; refunding a fully refunded attempt is a no-op.
func (lc *Lifecycle) Refund(ctx context.Context, id string, amount int64, reason string) (Payment, error) {
	if amount <= 0 {
		return Payment{}, fault.Validation("refund: amount must be positive, got %d", amount)
	}
	return lc.refund(ctx, id, amount, reason)
}

func (lc *Lifecycle) refund(ctx context.Context, id string, amount int64, reason string) (Payment, error) {
	return lc.mutate(ctx, id, func(p *Payment) (Status, error) {
		if p.FullyRefunded() {
			return "", errNoop
		}
		if p.Status != StatusRefunded && !CanTransition(p.Status, StatusRefunded) {
			return "", &InvalidTransitionError{PaymentID: p.ID, From: p.Status, To: StatusRefunded}
		}
		if left := p.Remaining(); amount > left {
			return "", &RefundExceedsAmountError{PaymentID: p.ID, Requested: amount, Amount: left}
		}
		p.RefundedAmount += amount
		p.RefundReason = reason
		return StatusRefunded, nil
	})
}

// RefundOrder refunds whatever is left on the order's settled attempt,
// including the remainder of a partial refund. It is a no-op when the order
// only has fully refunded attempts.
func (lc *Lifecycle) RefundOrder(ctx context.Context, orderID, reason string) error {
	ps, err := lc.store.ListByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("list payments %s: %w", orderID, err)
	}
	refunded := false
	for _, p := range ps {
		if p.Refundable() {
			_, err := lc.refund(ctx, p.ID, p.Remaining(), reason)
			return err
		}
		refunded = refunded || p.FullyRefunded()
	}
	if refunded {
		return nil
	}
	err = fault.Invariant("order %s has no settled payment to refund", orderID)
	lc.log.Error().Err(err).Bool("invariant", true).Str("order_id", orderID).Msg("refund order")
	return err
}

func (lc *Lifecycle) Get(ctx context.Context, id string) (Payment, error) {
	return lc.store.Get(ctx, id)
}

func (lc *Lifecycle) GetByExternalRef(ctx context.Context, ref string) (Payment, error) {
	return lc.store.GetByExternalRef(ctx, ref)
}

func (lc *Lifecycle) ListByOrder(ctx context.Context, orderID string) ([]Payment, error) {
	return lc.store.ListByOrder(ctx, orderID)
}

// Settled returns the order's paid attempt, if any. There is at most one.
func (lc *Lifecycle) Settled(ctx context.Context, orderID string) (Payment, bool, error) {
	return lc.find(ctx, orderID, StatusPaid)
}

// Latest returns the order's most recent attempt.
func (lc *Lifecycle) Latest(ctx context.Context, orderID string) (Payment, bool, error) {
	ps, err := lc.store.ListByOrder(ctx, orderID)
	if err != nil || len(ps) == 0 {
		return Payment{}, false, err
	}
	return ps[len(ps)-1], true, nil
}

func (lc *Lifecycle) find(ctx context.Context, orderID string, st Status) (Payment, bool, error) {
	ps, err := lc.store.ListByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, false, err
	}
	for _, p := range ps {
		if p.Status == st {
			return p, true, nil
		}
	}
	return Payment{}, false, nil
}

var errNoop = errors.New("payment: nothing to change")

// mutate applies fn under the order's lock. fn returns the status to move
// to (empty to keep it) or errNoop when nothing needs to change. Events go
// out after the lock is released.
func (lc *Lifecycle) mutate(ctx context.Context, id string, fn func(*Payment) (Status, error)) (Payment, error) {
	p, before, changed, err := lc.apply(ctx, id, fn)
	if err != nil || !changed {
		return p, err
	}
	if p.Status != before.Status {
		lc.metrics.PaymentTransition(string(before.Status), string(p.Status))
		lc.log.Info().Str("payment_id", id).Str("order_id", p.OrderID).
			Str("from", string(before.Status)).Str("to", string(p.Status)).Msg("payment transitioned")
	} else if p.RefundedAmount == before.RefundedAmount {
		return p, nil
	}
	lc.audit(ctx, p, before.Status, reasonFor(p))
	lc.events.Emit(ctx, events.TopicPaymentNotifications, events.EventPaymentNotification, p.OrderID, events.NotificationPayload{
		OrderID:   p.OrderID,
		PaymentID: p.ID,
		Status:    string(p.Status),
		Amount:    p.Amount,
		Message:   "payment " + string(p.Status),
	})
	return p, nil
}

func (lc *Lifecycle) apply(ctx context.Context, id string, fn func(*Payment) (Status, error)) (p, before Payment, changed bool, err error) {
	head, err := lc.store.Get(ctx, id)
	if err != nil {
		return Payment{}, Payment{}, false, err
	}
	unlock, err := lc.locks.Lock(ctx, head.OrderID)
	if err != nil {
		return Payment{}, Payment{}, false, err
	}
	defer unlock()

	p, err = lc.store.Get(ctx, id)
	if err != nil {
		return Payment{}, Payment{}, false, err
	}
	before = p
	to, err := fn(&p)
	if errors.Is(err, errNoop) {
		return before, before, false, nil
	}
	if err != nil {
		lc.log.Info().Err(err).Str("payment_id", id).Str("status", string(before.Status)).Msg("payment change rejected")
		return before, before, false, err
	}
	if to != "" && to != before.Status {
		if !CanTransition(before.Status, to) {
			return before, before, false, &InvalidTransitionError{PaymentID: id, From: before.Status, To: to}
		}
		p.Status = to
	}
	prev := p.Version
	p.Version++
	p.UpdatedAt = lc.now().UTC()
	if err := lc.store.Update(ctx, p, prev); err != nil {
		return Payment{}, Payment{}, false, fmt.Errorf("save payment %s: %w", id, err)
	}
	return p, before, true, nil
}

func (lc *Lifecycle) audit(ctx context.Context, p Payment, from Status, reason string) {
	lc.events.Emit(ctx, events.TopicPaymentTransitions, events.EventPaymentTransitioned, p.OrderID, events.TransitionPayload{
		OrderID:   p.OrderID,
		PaymentID: p.ID,
		From:      string(from),
		To:        string(p.Status),
		Reason:    reason,
		At:        p.UpdatedAt,
	})
}

func reasonFor(p Payment) string {
	switch p.Status {
	case StatusFailed:
		return p.FailureReason
	case StatusRefunded:
		return p.RefundReason
	}
	return ""
}
