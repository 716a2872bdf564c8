package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type StripeConfig struct {
	APIKey        string
	Currency      string
	CancelURL     string
	WebhookSecret string
	sessions      stripeSessionAPI
}

// Stripe opens Stripe Checkout sessions. The session id is the external ref
// and the payment intent id becomes the gateway ref once paid.
type Stripe struct {
	sessions      stripeSessionAPI
	currency      string
	cancelURL     string
	webhookSecret string
}

func NewStripe(cfg StripeConfig) (*Stripe, error) {
	sessions := cfg.sessions
	if sessions == nil {
		key := strings.TrimSpace(cfg.APIKey)
		if key == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sessions = client.New(key, nil).CheckoutSessions
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}
	return &Stripe{
		sessions:      sessions,
		currency:      currency,
		cancelURL:     cfg.CancelURL,
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (s *Stripe) InitiateExternal(ctx context.Context, req Request) (Session, error) {
	if err := validate(req); err != nil {
		return Session{}, err
	}
	cancelURL := s.cancelURL
	if cancelURL == "" {
		cancelURL = req.ReturnURL
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + req.OrderID),
				},
			},
		}},
		Metadata: map[string]string{
			"order_id":   req.OrderID,
			"payment_id": req.PaymentID,
			"method":     req.Method,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.PaymentID)

	cs, err := s.sessions.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 {
			return Session{}, fault.Validation("stripe rejected session for %s: %s", req.PaymentID, se.Msg)
		}
		return Session{}, fault.External(err, "stripe: create checkout session for %s", req.PaymentID)
	}
	return Session{PaymentURL: cs.URL, ExternalRef: cs.ID}, nil
}

// ParseWebhook verifies a Stripe webhook and maps checkout events to a
// Callback. ok is false for event types that carry no payment outcome.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (cb Callback, ok bool, err error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Callback{}, false, fault.Validation("stripe webhook: %v", err)
	}

	var outcome string
	switch ev.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		outcome = OutcomePaid
	case "checkout.session.expired", "checkout.session.async_payment_failed":
		outcome = OutcomeFailed
	default:
		return Callback{}, false, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
		return Callback{}, false, fault.Validation("stripe webhook: decode session: %v", err)
	}
	// completed with a delayed method is not paid yet
	if ev.Type == "checkout.session.completed" && cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return Callback{}, false, nil
	}
	cb = Callback{ExternalRef: cs.ID, Outcome: outcome, Reason: string(ev.Type)}
	if cs.PaymentIntent != nil {
		cb.GatewayRef = cs.PaymentIntent.ID
	}
	if cb.GatewayRef == "" {
		cb.GatewayRef = cs.ID
	}
	return cb, true, nil
}
