package orders

import (
	"time"

	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
)

// Address is the delivery address as it was when the order was placed. Ref
// points at the customer's address book entry; the other fields are a copy.
type Address struct {
	Ref        string `json:"ref,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type LineItem struct {
	SKU        ledger.SKU `json:"sku"`
	Quantity   int        `json:"qty"`
	UnitPrice  int64      `json:"unit_price"` // snapshot at creation
	CategoryID string     `json:"category_id,omitempty"`
	Subtotal   int64      `json:"subtotal"`
}

// Totals are in the smallest currency unit.
type Totals struct {
	Subtotal    int64 `json:"subtotal"`
	Discount    int64 `json:"discount"`
	DeliveryFee int64 `json:"delivery_fee"`
	Tax         int64 `json:"tax"`
	Total       int64 `json:"total"`
}

type StatusChange struct {
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	Override bool      `json:"override,omitempty"`
	At       time.Time `json:"at"`
}

type Order struct {
	ID            string         `json:"id"`
	ExternalID    string         `json:"external_id,omitempty"`
	CustomerID    string         `json:"customer_id"`
	Status        Status         `json:"status"`
	PaymentStatus PaymentStatus  `json:"payment_status"`
	Items         []LineItem     `json:"items"`
	Totals        Totals         `json:"totals"`
	CouponCode    string         `json:"coupon_code,omitempty"`
	Address       Address        `json:"address"`
	CancelReason  string         `json:"cancel_reason,omitempty"`
	Archived      bool           `json:"archived"`
	History       []StatusChange `json:"history"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CategoryIDs and ProductIDs feed coupon restriction checks.
func (o Order) CategoryIDs() []string {
	return distinct(o.Items, func(it LineItem) string { return it.CategoryID })
}

func (o Order) ProductIDs() []string {
	return distinct(o.Items, func(it LineItem) string { return it.SKU.ProductID })
}

func distinct(items []LineItem, key func(LineItem) string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		k := key(it)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func (o Order) clone() Order {
	o.Items = append([]LineItem(nil), o.Items...)
	o.History = append([]StatusChange(nil), o.History...)
	return o
}
