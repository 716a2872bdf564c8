package coupon

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

type Type string

const (
	Percentage  Type = "percentage"
	FixedAmount Type = "fixed_amount"
)

// Coupon amounts are in the smallest currency unit. For Percentage coupons
// Value is a whole percent.
type Coupon struct {
	Code           string    `json:"code"`
	Type           Type      `json:"type"`
	Value          int64     `json:"value"`
	MinPurchase    int64     `json:"min_purchase"`
	UsageCap       int       `json:"usage_cap"`        // 0 = unlimited
	PerCustomerCap int       `json:"per_customer_cap"` // 0 = unlimited
	CategoryIDs    []string  `json:"category_ids,omitempty"`
	ProductIDs     []string  `json:"product_ids,omitempty"`
	StartsAt       time.Time `json:"starts_at"` // zero = no lower bound
	EndsAt         time.Time `json:"ends_at"`   // zero = no upper bound
	Active         bool      `json:"active"`
	UsageCount     int       `json:"usage_count"`
}

func (c Coupon) Validate() error {
	if strings.TrimSpace(c.Code) == "" {
		return fault.Validation("coupon: code is required")
	}
	switch c.Type {
	case Percentage:
		if c.Value <= 0 || c.Value > 100 {
			return fault.Validation("coupon %s: percentage must be in 1..100, got %d", c.Code, c.Value)
		}
	case FixedAmount:
		if c.Value <= 0 {
			return fault.Validation("coupon %s: amount must be positive", c.Code)
		}
	default:
		return fault.Validation("coupon %s: unknown type %q", c.Code, c.Type)
	}
	if c.UsageCap < 0 || c.PerCustomerCap < 0 || c.MinPurchase < 0 {
		return fault.Validation("coupon %s: caps and minimum must not be negative", c.Code)
	}
	if !c.StartsAt.IsZero() && !c.EndsAt.IsZero() && c.EndsAt.Before(c.StartsAt) {
		return fault.Validation("coupon %s: window ends before it starts", c.Code)
	}
	return nil
}

func (c Coupon) inWindow(now time.Time) bool {
	if !c.StartsAt.IsZero() && now.Before(c.StartsAt) {
		return false
	}
	if !c.EndsAt.IsZero() && now.After(c.EndsAt) {
		return false
	}
	return true
}

func (c Coupon) restricted() bool {
	return len(c.CategoryIDs) > 0 || len(c.ProductIDs) > 0
}

func (c Coupon) appliesTo(categoryIDs, productIDs []string) bool {
	return intersects(c.CategoryIDs, categoryIDs) || intersects(c.ProductIDs, productIDs)
}

// Discount computes the amount off for subtotal. It never exceeds subtotal.
func Discount(c Coupon, subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	var d int64
	switch c.Type {
	case Percentage:
		d = subtotal * c.Value / 100
	case FixedAmount:
		d = c.Value
	}
	if d > subtotal {
		d = subtotal
	}
	if d < 0 {
		d = 0
	}
	return d
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

// Normalize upper-cases and trims a coupon code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type Repository interface {
	// Get returns *NotFoundError when the code is unknown.
	Get(ctx context.Context, code string) (Coupon, error)
}

type MemoryRepository struct {
	mu      sync.RWMutex
	coupons map[string]Coupon
}

func NewMemoryRepository(cs ...Coupon) *MemoryRepository {
	r := &MemoryRepository{coupons: make(map[string]Coupon)}
	for _, c := range cs {
		_ = r.Put(context.Background(), c)
	}
	return r
}

func (r *MemoryRepository) Put(_ context.Context, c Coupon) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.Code = Normalize(c.Code)
	r.mu.Lock()
	r.coupons[c.Code] = c
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, code string) (Coupon, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coupons[Normalize(code)]
	if !ok {
		return Coupon{}, &NotFoundError{Code: code}
	}
	return c, nil
}
