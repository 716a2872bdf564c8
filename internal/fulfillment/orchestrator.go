// Package fulfillment composes the ledger, reservations, coupons and the two
// lifecycles into the order placement and settlement flows.
package fulfillment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-realtime-ledger/internal/coupon"
	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/gateway"
	"github.com/ariefcatur/go-realtime-ledger/internal/keylock"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
	"github.com/ariefcatur/go-realtime-ledger/internal/orders"
	"github.com/ariefcatur/go-realtime-ledger/internal/payments"
	"github.com/ariefcatur/go-realtime-ledger/internal/reservation"
)

type Deps struct {
	Ledger       *ledger.Ledger
	Reservations *reservation.Manager
	Coupons      *coupon.Evaluator
	Orders       *orders.Lifecycle
	Payments     *payments.Lifecycle
	Gateway      gateway.Gateway
	Catalog      Catalog
}

type Orchestrator struct {
	Deps
	locks          *keylock.Map
	log            zerolog.Logger
	tracer         trace.Tracer
	now            func() time.Time
	newID          func() string
	gatewayTimeout time.Duration
	returnURL      string
	holdTTL        time.Duration
}

type Option func(*Orchestrator)

func WithLogger(log zerolog.Logger) Option   { return func(o *Orchestrator) { o.log = log } }
func WithClock(now func() time.Time) Option  { return func(o *Orchestrator) { o.now = now } }
func WithIDGenerator(f func() string) Option { return func(o *Orchestrator) { o.newID = f } }
func WithGatewayTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.gatewayTimeout = d }
}
func WithReturnURL(u string) Option      { return func(o *Orchestrator) { o.returnURL = u } }
func WithHoldTTL(d time.Duration) Option { return func(o *Orchestrator) { o.holdTTL = d } }

func New(d Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Deps:           d,
		locks:          keylock.New(),
		log:            zerolog.Nop(),
		tracer:         otel.Tracer("fulfillment"),
		now:            time.Now,
		newID:          uuid.NewString,
		gatewayTimeout: 10 * time.Second,
		holdTTL:        30 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type ItemRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"qty"`
}

type PlaceOrderRequest struct {
	ExternalID    string         `json:"external_id,omitempty"`
	CustomerID    string         `json:"customer_id"`
	Items         []ItemRequest  `json:"items"`
	CouponCode    string         `json:"coupon_code,omitempty"`
	PaymentMethod string         `json:"payment_method"`
	DeliveryFee   int64          `json:"delivery_fee"`
	Address       orders.Address `json:"address"`
}

type PlaceOrderResult struct {
	Order      orders.Order     `json:"order"`
	Payment    payments.Payment `json:"payment"`
	PaymentURL string           `json:"payment_url,omitempty"`
	Existing   bool             `json:"existing,omitempty"`
}

// PlaceOrder prices the cart, applies the coupon, holds stock, creates the
// order and opens a payment session. A gateway failure leaves the order
// pending with a failed payment; the result is then returned together with
// the error so the caller can offer a retry.
func (o *Orchestrator) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (res PlaceOrderResult, err error) {
	ctx, span := o.tracer.Start(ctx, "fulfillment.PlaceOrder")
	defer func() { endSpan(span, err) }()

	if req.CustomerID == "" || req.PaymentMethod == "" {
		return PlaceOrderResult{}, fault.Validation("place order: customer id and payment method are required")
	}
	if len(req.Items) == 0 {
		return PlaceOrderResult{}, fault.Validation("place order: at least one item is required")
	}

	if req.ExternalID != "" {
		unlock, err := o.locks.Lock(ctx, "ext:"+req.ExternalID)
		if err != nil {
			return PlaceOrderResult{}, err
		}
		defer unlock()
		if existing, ok, err := o.existing(ctx, req.ExternalID); err != nil || ok {
			return existing, err
		}
	}

	lines, err := o.price(ctx, req.Items)
	if err != nil {
		return PlaceOrderResult{}, err
	}
	priced, subtotal, err := orders.PriceLines(lines)
	if err != nil {
		return PlaceOrderResult{}, err
	}

	draft := orders.Draft{
		ID:          o.newID(),
		ExternalID:  req.ExternalID,
		CustomerID:  req.CustomerID,
		Items:       priced,
		DeliveryFee: req.DeliveryFee,
		Address:     req.Address,
	}
	if req.CouponCode != "" {
		d, err := o.quote(ctx, req.CouponCode, req.CustomerID, subtotal, draft)
		if err != nil {
			return PlaceOrderResult{}, err
		}
		draft.CouponCode, draft.Discount = d.CouponCode, d.Discount
	}
	span.SetAttributes(attribute.String("order.id", draft.ID), attribute.Int("order.lines", len(priced)))

	holds := make([]reservation.LineItem, 0, len(priced))
	for _, it := range priced {
		holds = append(holds, reservation.LineItem{SKU: it.SKU, Quantity: it.Quantity})
	}
	if _, err := o.Reservations.Hold(ctx, draft.ID, holds); err != nil {
		return PlaceOrderResult{}, err
	}

	ord, err := o.Orders.Create(ctx, draft)
	if err != nil {
		o.release(ctx, draft.ID)
		return PlaceOrderResult{}, err
	}

	pay, err := o.Payments.Initiate(ctx, ord.ID, req.PaymentMethod, ord.Totals.Total)
	if err != nil {
		o.abandon(ctx, ord.ID, "payment initiation failed")
		return PlaceOrderResult{}, err
	}
	res = PlaceOrderResult{Order: ord, Payment: pay}

	if ord.Totals.Total == 0 {
		ord, err = o.ConfirmPayment(ctx, pay.ID, gateway.ZeroAmountRef)
		if err != nil {
			return res, err
		}
		res.Order = ord
		res.Payment, _ = o.Payments.Get(ctx, pay.ID)
		return res, nil
	}

	return o.openSession(ctx, res)
}

// RetryPayment opens a new payment attempt for a pending order whose last
// attempt failed.
func (o *Orchestrator) RetryPayment(ctx context.Context, orderID, method string) (PlaceOrderResult, error) {
	ord, err := o.Orders.Get(ctx, orderID)
	if err != nil {
		return PlaceOrderResult{}, err
	}
	if ord.Status != orders.StatusPending {
		return PlaceOrderResult{}, &orders.InvalidTransitionError{OrderID: orderID, From: ord.Status, To: orders.StatusConfirmed}
	}
	if method == "" {
		if last, ok, _ := o.Payments.Latest(ctx, orderID); ok {
			method = last.Method
		}
	}
	pay, err := o.Payments.Initiate(ctx, orderID, method, ord.Totals.Total)
	if err != nil {
		return PlaceOrderResult{}, err
	}
	if ord, err = o.Orders.SyncPaymentStatus(ctx, orderID, orders.PaymentPending); err != nil {
		return PlaceOrderResult{}, err
	}
	return o.openSession(ctx, PlaceOrderResult{Order: ord, Payment: pay})
}

// ConfirmPayment settles the payment and confirms its order, which commits
// the held stock and consumes the coupon. A payment that lands on an order
// that can no longer be confirmed is refunded.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, paymentID, gatewayRef string) (ord orders.Order, err error) {
	ctx, span := o.tracer.Start(ctx, "fulfillment.ConfirmPayment", trace.WithAttributes(attribute.String("payment.id", paymentID)))
	defer func() { endSpan(span, err) }()

	pay, err := o.Payments.Confirm(ctx, paymentID, gatewayRef)
	if err != nil {
		return orders.Order{}, err
	}
	if _, err := o.Orders.SyncPaymentStatus(ctx, pay.OrderID, orders.PaymentPaid); err != nil {
		return orders.Order{}, err
	}
	ord, err = o.Orders.Transition(ctx, pay.OrderID, orders.StatusConfirmed, orders.TransitionOptions{Reason: "payment " + pay.ID + " settled"})
	if err == nil {
		return ord, nil
	}

	var ite *orders.InvalidTransitionError
	if errors.As(err, &ite) {
		if ite.From != orders.StatusCancelled {
			// confirmation already applied by an earlier delivery
			return o.Orders.Get(ctx, pay.OrderID)
		}
		// paid after the order was cancelled (expired hold, customer cancel)
		o.log.Warn().Str("order_id", pay.OrderID).Str("payment_id", pay.ID).Msg("payment settled on cancelled order, refunding")
		if rerr := o.Payments.RefundOrder(context.WithoutCancel(ctx), pay.OrderID, "order already cancelled"); rerr != nil {
			return ord, errors.Join(err, rerr)
		}
		ord, _ = o.Orders.SyncPaymentStatus(ctx, pay.OrderID, orders.PaymentRefunded)
		return ord, err
	}

	if couponRejected(err) {
		// the coupon ran out between quote and settlement
		o.log.Warn().Err(err).Str("order_id", pay.OrderID).Msg("paid order cannot be confirmed, cancelling")
		if cord, cerr := o.Orders.Transition(ctx, pay.OrderID, orders.StatusCancelled, orders.TransitionOptions{Reason: err.Error()}); cerr == nil {
			ord = cord
		} else {
			err = errors.Join(err, cerr)
		}
	}
	return ord, err
}

// FailPayment closes the attempt. The order stays pending, open for a retry
// or cancellation.
func (o *Orchestrator) FailPayment(ctx context.Context, paymentID, reason string) (orders.Order, error) {
	pay, err := o.Payments.Fail(context.WithoutCancel(ctx), paymentID, reason)
	if err != nil {
		return orders.Order{}, err
	}
	return o.Orders.SyncPaymentStatus(context.WithoutCancel(ctx), pay.OrderID, orders.PaymentFailed)
}

// HandleGatewayCallback maps a provider notification to confirm or fail.
func (o *Orchestrator) HandleGatewayCallback(ctx context.Context, cb gateway.Callback) (orders.Order, error) {
	if err := cb.Validate(); err != nil {
		return orders.Order{}, err
	}
	pay, err := o.Payments.GetByExternalRef(ctx, cb.ExternalRef)
	if err != nil {
		return orders.Order{}, err
	}
	o.log.Info().Str("payment_id", pay.ID).Str("external_ref", cb.ExternalRef).Str("outcome", cb.Outcome).Msg("gateway callback")
	if cb.Outcome == gateway.OutcomePaid {
		ref := cb.GatewayRef
		if ref == "" {
			ref = cb.ExternalRef
		}
		return o.ConfirmPayment(ctx, pay.ID, ref)
	}
	if pay.Status == payments.StatusPaid {
		// a late failure never undoes a settlement
		return o.Orders.Get(ctx, pay.OrderID)
	}
	return o.FailPayment(ctx, pay.ID, cb.Reason)
}

// CancelOrder fails a payment still in flight, then cancels the order,
// refunding it first when it was paid and releasing its holds.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID, reason string) (orders.Order, error) {
	ctx = context.WithoutCancel(ctx)
	if last, ok, err := o.Payments.Latest(ctx, orderID); err != nil {
		return orders.Order{}, err
	} else if ok && last.Status == payments.StatusPending {
		if _, err := o.FailPayment(ctx, last.ID, "order cancelled"); err != nil {
			var npe *payments.PaymentNotPendingError
			if !errors.As(err, &npe) {
				return orders.Order{}, err
			}
			// settled meanwhile; sync so the cancel below refunds it
			if _, err := o.Orders.SyncPaymentStatus(ctx, orderID, orders.PaymentStatus(npe.Status)); err != nil {
				return orders.Order{}, err
			}
		}
	}
	return o.Orders.Transition(ctx, orderID, orders.StatusCancelled, orders.TransitionOptions{Reason: reason})
}

// RefundPayment refunds amount of a paid attempt. Partial refunds add up.
// The refund that returns the last of the amount cancels the order, and is
// refused once the order has shipped; an already cancelled order is refunded
// directly. A partial refund leaves the order where it is.
func (o *Orchestrator) RefundPayment(ctx context.Context, paymentID string, amount int64, reason string) (payments.Payment, orders.Order, error) {
	pay, err := o.Payments.Get(ctx, paymentID)
	if err != nil {
		return payments.Payment{}, orders.Order{}, err
	}
	if amount <= 0 {
		return pay, orders.Order{}, fault.Validation("refund: amount must be positive, got %d", amount)
	}
	ord, err := o.Orders.Get(ctx, pay.OrderID)
	if err != nil {
		return pay, orders.Order{}, err
	}

	if pay.FullyRefunded() {
		return pay, ord, nil
	}
	if !pay.Refundable() {
		return pay, ord, &payments.InvalidTransitionError{PaymentID: pay.ID, From: pay.Status, To: payments.StatusRefunded}
	}
	if amount > pay.Remaining() {
		return pay, ord, &payments.RefundExceedsAmountError{PaymentID: pay.ID, Requested: amount, Amount: pay.Remaining()}
	}

	if amount == pay.Remaining() && ord.Status != orders.StatusCancelled {
		if !orders.CanTransition(ord.Status, orders.StatusCancelled) {
			return pay, ord, &orders.InvalidTransitionError{OrderID: ord.ID, From: ord.Status, To: orders.StatusCancelled}
		}
		// the cancel refunds what is left on the attempt before releasing stock
		if ord, err = o.Orders.Transition(ctx, ord.ID, orders.StatusCancelled, orders.TransitionOptions{Reason: reason}); err != nil {
			return pay, ord, err
		}
	}

	if pay, err = o.Payments.Refund(ctx, paymentID, amount, reason); err != nil {
		return pay, ord, err
	}
	ps := orders.PaymentPartiallyRefunded
	if pay.FullyRefunded() {
		ps = orders.PaymentRefunded
	}
	ord, err = o.Orders.SyncPaymentStatus(ctx, pay.OrderID, ps)
	return pay, ord, err
}

// AdvanceOrder applies an operator transition. Cancellation goes through
// CancelOrder so payments are handled.
func (o *Orchestrator) AdvanceOrder(ctx context.Context, orderID string, to orders.Status, opts orders.TransitionOptions) (orders.Order, error) {
	if to == orders.StatusCancelled {
		return o.CancelOrder(ctx, orderID, opts.Reason)
	}
	return o.Orders.Transition(ctx, orderID, to, opts)
}

// ReceiveStock books an inbound delivery.
func (o *Orchestrator) ReceiveStock(ctx context.Context, sku ledger.SKU, qty int, reason, note string) (ledger.Movement, error) {
	if reason == "" {
		reason = ledger.ReasonReceipt
	}
	return o.Ledger.RecordMovement(ctx, ledger.MovementRequest{SKU: sku, Type: ledger.Inbound, Delta: qty, Reason: reason, Note: note})
}

// RecordReturn restocks units a customer sent back. Restocking is never
// implied by a refund.
func (o *Orchestrator) RecordReturn(ctx context.Context, sku ledger.SKU, qty int, orderID, note string) (ledger.Movement, error) {
	if orderID != "" {
		ord, err := o.Orders.Get(ctx, orderID)
		if err != nil {
			return ledger.Movement{}, err
		}
		if !returnable(ord, sku) {
			return ledger.Movement{}, fault.Validation("return: order %s did not ship %s", orderID, sku)
		}
	}
	return o.Ledger.RecordMovement(ctx, ledger.MovementRequest{
		SKU:       sku,
		Type:      ledger.Return,
		Delta:     qty,
		Reason:    ledger.ReasonReturn,
		Note:      note,
		OriginRef: orderID,
	})
}

func (o *Orchestrator) AdjustStock(ctx context.Context, sku ledger.SKU, newQuantity int, reason, note string) (ledger.Movement, error) {
	return o.Ledger.Adjust(ctx, sku, newQuantity, reason, note)
}

func returnable(ord orders.Order, sku ledger.SKU) bool {
	if ord.Status == orders.StatusPending {
		return false
	}
	for _, it := range ord.Items {
		if it.SKU == sku {
			return true
		}
	}
	return false
}

func (o *Orchestrator) existing(ctx context.Context, externalID string) (PlaceOrderResult, bool, error) {
	ord, err := o.Orders.GetByExternalID(ctx, externalID)
	if err != nil {
		if fault.Is(err, fault.KindNotFound) {
			return PlaceOrderResult{}, false, nil
		}
		return PlaceOrderResult{}, false, err
	}
	res := PlaceOrderResult{Order: ord, Existing: true}
	if pay, ok, err := o.Payments.Latest(ctx, ord.ID); err != nil {
		return res, true, err
	} else if ok {
		res.Payment, res.PaymentURL = pay, pay.PaymentURL
	}
	return res, true, nil
}

func (o *Orchestrator) price(ctx context.Context, items []ItemRequest) ([]orders.LineItem, error) {
	skus := make([]ledger.SKU, 0, len(items))
	for _, it := range items {
		skus = append(skus, ledger.SKU{ProductID: it.ProductID, VariantID: it.VariantID})
	}
	products, err := o.Catalog.Lookup(ctx, skus)
	if err != nil {
		return nil, err
	}
	lines := make([]orders.LineItem, 0, len(items))
	for i, it := range items {
		p := products[skus[i]]
		lines = append(lines, orders.LineItem{SKU: skus[i], Quantity: it.Quantity, UnitPrice: p.UnitPrice, CategoryID: p.CategoryID})
	}
	return lines, nil
}

func (o *Orchestrator) quote(ctx context.Context, code, customerID string, subtotal int64, d orders.Draft) (coupon.DiscountResult, error) {
	prior, err := o.Coupons.PriorUsage(ctx, code, customerID)
	if err != nil {
		return coupon.DiscountResult{}, err
	}
	probe := orders.Order{Items: d.Items}
	return o.Coupons.Evaluate(ctx, coupon.EvaluateRequest{
		Code:               code,
		Subtotal:           subtotal,
		CategoryIDs:        probe.CategoryIDs(),
		ProductIDs:         probe.ProductIDs(),
		CustomerID:         customerID,
		CustomerPriorUsage: prior,
	})
}

// openSession calls the gateway outside every lock. Any failure, timeout
// included, fails the attempt.
func (o *Orchestrator) openSession(ctx context.Context, res PlaceOrderResult) (PlaceOrderResult, error) {
	gctx, cancel := context.WithTimeout(ctx, o.gatewayTimeout)
	defer cancel()
	session, err := o.Gateway.InitiateExternal(gctx, gateway.Request{
		OrderID:   res.Order.ID,
		PaymentID: res.Payment.ID,
		Amount:    res.Payment.Amount,
		Method:    res.Payment.Method,
		ReturnURL: o.returnURL,
	})
	if err != nil {
		if !fault.Is(err, fault.KindValidation) {
			err = fault.External(err, "open payment session for order %s", res.Order.ID)
		}
		o.log.Warn().Err(err).Str("order_id", res.Order.ID).Str("payment_id", res.Payment.ID).Msg("payment session failed")
		if ord, ferr := o.FailPayment(ctx, res.Payment.ID, err.Error()); ferr == nil {
			res.Order = ord
			res.Payment, _ = o.Payments.Get(ctx, res.Payment.ID)
		}
		return res, err
	}
	pay, err := o.Payments.AttachSession(ctx, res.Payment.ID, session.ExternalRef, session.PaymentURL)
	if err != nil {
		return res, err
	}
	res.Payment, res.PaymentURL = pay, session.PaymentURL
	return res, nil
}

func (o *Orchestrator) release(ctx context.Context, orderID string) {
	if err := o.Reservations.Release(ctx, orderID); err != nil {
		o.log.Error().Err(err).Str("order_id", orderID).Msg("release after failed placement")
	}
}

func (o *Orchestrator) abandon(ctx context.Context, orderID, reason string) {
	if _, err := o.Orders.Transition(context.WithoutCancel(ctx), orderID, orders.StatusCancelled, orders.TransitionOptions{Reason: reason}); err != nil {
		o.log.Error().Err(err).Str("order_id", orderID).Msg("cancel after failed placement")
		o.release(ctx, orderID)
	}
}

func couponRejected(err error) bool {
	var ule *coupon.UsageLimitExceededError
	var nfe *coupon.NotFoundError
	return errors.As(err, &ule) || errors.As(err, &nfe)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", string(fault.KindOf(err))))
	}
	span.End()
}

// Payment returns one attempt; a thin read model for the HTTP layer.
func (o *Orchestrator) Payment(ctx context.Context, id string) (payments.Payment, error) {
	return o.Payments.Get(ctx, id)
}
