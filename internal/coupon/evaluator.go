// Package coupon validates coupon codes against an order and tracks how many
// times each code has been committed.
package coupon

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/metrics"
)

type EvaluateRequest struct {
	Code               string
	Subtotal           int64
	CategoryIDs        []string
	ProductIDs         []string
	CustomerID         string
	CustomerPriorUsage int
}

type DiscountResult struct {
	CouponCode string `json:"coupon_code"`
	Type       Type   `json:"type"`
	Discount   int64  `json:"discount"`
}

type Evaluator struct {
	repo    Repository
	counter UsageCounter
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Evaluator)

func WithClock(now func() time.Time) Option { return func(e *Evaluator) { e.now = now } }
func WithLogger(log zerolog.Logger) Option  { return func(e *Evaluator) { e.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Evaluator) { e.metrics = m } }

func NewEvaluator(repo Repository, counter UsageCounter, opts ...Option) *Evaluator {
	e := &Evaluator{repo: repo, counter: counter, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate is a dry run: it reads the usage counter but never changes it, so
// a coupon can be quoted any number of times before checkout.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluateRequest) (DiscountResult, error) {
	code := Normalize(req.Code)
	if code == "" {
		return DiscountResult{}, fault.Validation("coupon: code is required")
	}
	if req.Subtotal < 0 {
		return DiscountResult{}, fault.Validation("coupon: subtotal must not be negative")
	}
	c, err := e.repo.Get(ctx, code)
	if err != nil {
		return DiscountResult{}, err
	}

	now := e.now()
	if !c.inWindow(now) {
		return DiscountResult{}, &ExpiredError{Code: code, At: now, StartsAt: c.StartsAt, EndsAt: c.EndsAt}
	}
	if !c.Active {
		return DiscountResult{}, &InactiveError{Code: code}
	}
	if req.Subtotal < c.MinPurchase {
		return DiscountResult{}, &MinimumPurchaseNotMetError{Code: code, Minimum: c.MinPurchase, Subtotal: req.Subtotal}
	}
	if c.UsageCap > 0 {
		used, err := e.counter.Usage(ctx, code)
		if err != nil {
			return DiscountResult{}, fmt.Errorf("coupon %s usage: %w", code, err)
		}
		if used >= c.UsageCap {
			return DiscountResult{}, &UsageLimitExceededError{Code: code, Scope: ScopeGlobal, Cap: c.UsageCap}
		}
	}
	if c.PerCustomerCap > 0 && req.CustomerPriorUsage >= c.PerCustomerCap {
		return DiscountResult{}, &UsageLimitExceededError{Code: code, Scope: ScopeCustomer, Cap: c.PerCustomerCap}
	}
	if c.restricted() && !c.appliesTo(req.CategoryIDs, req.ProductIDs) {
		return DiscountResult{}, &NotApplicableError{Code: code}
	}
	return DiscountResult{CouponCode: code, Type: c.Type, Discount: Discount(c, req.Subtotal)}, nil
}

// PriorUsage is how many committed orders of customerID used code.
func (e *Evaluator) PriorUsage(ctx context.Context, code, customerID string) (int, error) {
	return e.counter.CustomerUsage(ctx, Normalize(code), customerID)
}

// Redeem consumes one use of code for orderID. It runs when the order
// commits; the quote already frozen on the order is honoured even if the
// coupon expired since, but the caps are enforced here.
func (e *Evaluator) Redeem(ctx context.Context, code, customerID, orderID string) error {
	code = Normalize(code)
	c, err := e.repo.Get(ctx, code)
	if err != nil {
		return err
	}
	err = e.counter.Redeem(ctx, Redemption{
		Code:           code,
		CustomerID:     customerID,
		OrderID:        orderID,
		TotalCap:       c.UsageCap,
		PerCustomerCap: c.PerCustomerCap,
	})
	if err != nil {
		e.metrics.CouponRedemption("rejected")
		e.log.Info().Err(err).Str("coupon", code).Str("order_id", orderID).Msg("coupon redemption rejected")
		return err
	}
	e.metrics.CouponRedemption("ok")
	return nil
}

// Revoke undoes Redeem for orderID. Safe to call when nothing was redeemed.
func (e *Evaluator) Revoke(ctx context.Context, code, orderID string) error {
	if err := e.counter.Revoke(ctx, Normalize(code), orderID); err != nil {
		return fmt.Errorf("revoke coupon %s for %s: %w", code, orderID, err)
	}
	return nil
}
