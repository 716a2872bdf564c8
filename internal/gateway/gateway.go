// Package gateway talks to the external payment provider: it opens a payment
// session and turns the provider's callbacks into paid/failed outcomes.
package gateway

import (
	"context"
	"strings"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

const (
	OutcomePaid   = "paid"
	OutcomeFailed = "failed"

	// ZeroAmountRef settles payments that never reach a provider.
	ZeroAmountRef = "zero-amount"
)

type Request struct {
	OrderID   string
	PaymentID string
	Amount    int64
	Method    string
	ReturnURL string
}

type Session struct {
	PaymentURL  string `json:"payment_url"`
	ExternalRef string `json:"external_ref"`
}

type Gateway interface {
	InitiateExternal(ctx context.Context, req Request) (Session, error)
}

// Callback is one provider notification about a payment session.
type Callback struct {
	ExternalRef string `json:"external_ref"`
	Outcome     string `json:"outcome"`
	GatewayRef  string `json:"gateway_ref,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (c Callback) Validate() error {
	if strings.TrimSpace(c.ExternalRef) == "" {
		return fault.Validation("callback: external_ref is required")
	}
	switch c.Outcome {
	case OutcomePaid, OutcomeFailed:
		return nil
	}
	return fault.Validation("callback: unknown outcome %q", c.Outcome)
}

func validate(req Request) error {
	if req.PaymentID == "" || req.Method == "" {
		return fault.Validation("gateway: payment id and method are required")
	}
	if req.Amount <= 0 {
		return fault.Validation("gateway: amount must be positive, got %d", req.Amount)
	}
	return nil
}
