package orders

import (
	"fmt"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

// InvalidTransitionError is returned for any (from, to) pair outside the
// status table. The order is left as it was.
type InvalidTransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}

func (e *InvalidTransitionError) Kind() fault.Kind { return fault.KindBusiness }

// PaymentRequiredError blocks confirmation of an unpaid order.
type PaymentRequiredError struct {
	OrderID       string
	PaymentStatus PaymentStatus
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("order %s: payment is %s, confirmation needs paid", e.OrderID, e.PaymentStatus)
}

func (e *PaymentRequiredError) Kind() fault.Kind { return fault.KindBusiness }

type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string    { return fmt.Sprintf("order %s not found", e.ID) }
func (e *NotFoundError) Kind() fault.Kind { return fault.KindNotFound }

type ConflictError struct {
	OrderID  string
	Expected int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s changed concurrently (expected version %d)", e.OrderID, e.Expected)
}

func (e *ConflictError) Kind() fault.Kind { return fault.KindInvariant }
