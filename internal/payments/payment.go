package payments

import (
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:  {StatusPaid: true, StatusFailed: true},
	StatusPaid:     {StatusRefunded: true},
	StatusFailed:   {},
	StatusRefunded: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Active payments block a new attempt for the same order.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusPaid
}

type Payment struct {
	ID             string     `json:"id"`
	OrderID        string     `json:"order_id"`
	Method         string     `json:"method"`
	Amount         int64      `json:"amount"`
	Status         Status     `json:"status"`
	ExternalRef    string     `json:"external_ref,omitempty"` // our reference at the gateway
	GatewayRef     string     `json:"gateway_ref,omitempty"`  // the gateway's settlement reference
	PaymentURL     string     `json:"payment_url,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	RefundedAmount int64      `json:"refunded_amount,omitempty"`
	RefundReason   string     `json:"refund_reason,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
}

// FullyRefunded reports whether the whole amount went back.
func (p Payment) FullyRefunded() bool {
	return p.Status == StatusRefunded && p.RefundedAmount >= p.Amount
}

// Remaining is the part of the amount not yet refunded.
func (p Payment) Remaining() int64 {
	return p.Amount - p.RefundedAmount
}

// Refundable reports whether the attempt still holds money that could go back.
func (p Payment) Refundable() bool {
	return p.Status == StatusPaid || (p.Status == StatusRefunded && !p.FullyRefunded())
}
