package coupon

import (
	"fmt"
	"time"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

type NotFoundError struct{ Code string }

func (e *NotFoundError) Error() string    { return fmt.Sprintf("coupon %q not found", e.Code) }
func (e *NotFoundError) Kind() fault.Kind { return fault.KindBusiness }

type ExpiredError struct {
	Code     string
	At       time.Time
	StartsAt time.Time
	EndsAt   time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("coupon %s is not valid at %s", e.Code, e.At.Format(time.RFC3339))
}
func (e *ExpiredError) Kind() fault.Kind { return fault.KindBusiness }

type InactiveError struct{ Code string }

func (e *InactiveError) Error() string    { return fmt.Sprintf("coupon %s is inactive", e.Code) }
func (e *InactiveError) Kind() fault.Kind { return fault.KindBusiness }

type MinimumPurchaseNotMetError struct {
	Code     string
	Minimum  int64
	Subtotal int64
}

func (e *MinimumPurchaseNotMetError) Error() string {
	return fmt.Sprintf("coupon %s needs a subtotal of at least %d, got %d", e.Code, e.Minimum, e.Subtotal)
}
func (e *MinimumPurchaseNotMetError) Kind() fault.Kind { return fault.KindBusiness }

const (
	ScopeGlobal   = "global"
	ScopeCustomer = "customer"
)

type UsageLimitExceededError struct {
	Code  string
	Scope string // ScopeGlobal or ScopeCustomer
	Cap   int
}

func (e *UsageLimitExceededError) Error() string {
	return fmt.Sprintf("coupon %s reached its %s usage cap of %d", e.Code, e.Scope, e.Cap)
}
func (e *UsageLimitExceededError) Kind() fault.Kind { return fault.KindBusiness }

type NotApplicableError struct{ Code string }

func (e *NotApplicableError) Error() string {
	return fmt.Sprintf("coupon %s does not apply to any item in the order", e.Code)
}
func (e *NotApplicableError) Kind() fault.Kind { return fault.KindBusiness }
