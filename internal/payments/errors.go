package payments

import (
	"fmt"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

type DuplicateActivePaymentError struct {
	OrderID    string
	ExistingID string
	Status     Status
}

func (e *DuplicateActivePaymentError) Error() string {
	return fmt.Sprintf("order %s already has %s payment %s", e.OrderID, e.Status, e.ExistingID)
}

func (e *DuplicateActivePaymentError) Kind() fault.Kind { return fault.KindBusiness }

type PaymentNotPendingError struct {
	PaymentID string
	Status    Status
}

func (e *PaymentNotPendingError) Error() string {
	return fmt.Sprintf("payment %s is %s, not pending", e.PaymentID, e.Status)
}

func (e *PaymentNotPendingError) Kind() fault.Kind { return fault.KindBusiness }

type InvalidTransitionError struct {
	PaymentID string
	From      Status
	To        Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("payment %s: invalid transition %s -> %s", e.PaymentID, e.From, e.To)
}

func (e *InvalidTransitionError) Kind() fault.Kind { return fault.KindBusiness }

type RefundExceedsAmountError struct {
	PaymentID string
	Requested int64
	Amount    int64
}

func (e *RefundExceedsAmountError) Error() string {
	return fmt.Sprintf("payment %s: refund of %d exceeds amount %d", e.PaymentID, e.Requested, e.Amount)
}

func (e *RefundExceedsAmountError) Kind() fault.Kind { return fault.KindValidation }

type NotFoundError struct{ Ref string }

func (e *NotFoundError) Error() string    { return fmt.Sprintf("payment %s not found", e.Ref) }
func (e *NotFoundError) Kind() fault.Kind { return fault.KindNotFound }

type ConflictError struct {
	PaymentID string
	Expected  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("payment %s changed concurrently (expected version %d)", e.PaymentID, e.Expected)
}

func (e *ConflictError) Kind() fault.Kind { return fault.KindInvariant }
