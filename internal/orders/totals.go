package orders

import (
	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

// PriceLines fills in every line's subtotal and returns the order subtotal.
func PriceLines(items []LineItem) ([]LineItem, int64, error) {
	if len(items) == 0 {
		return nil, 0, fault.Validation("order: at least one line item is required")
	}
	out := make([]LineItem, len(items))
	var subtotal int64
	for i, it := range items {
		if err := it.SKU.Validate(); err != nil {
			return nil, 0, err
		}
		if it.Quantity <= 0 {
			return nil, 0, fault.Validation("order: invalid qty %d for %s", it.Quantity, it.SKU)
		}
		if it.UnitPrice < 0 {
			return nil, 0, fault.Validation("order: negative unit price for %s", it.SKU)
		}
		it.Subtotal = it.UnitPrice * int64(it.Quantity)
		subtotal += it.Subtotal
		out[i] = it
	}
	return out, subtotal, nil
}

// ComputeTotals derives every total from the lines. The discount is clamped
// to the subtotal; tax is taxBps basis points of the discounted subtotal,
// rounded down.
func ComputeTotals(items []LineItem, discount, deliveryFee, taxBps int64) ([]LineItem, Totals, error) {
	if discount < 0 || deliveryFee < 0 || taxBps < 0 {
		return nil, Totals{}, fault.Validation("order: discount, delivery fee and tax rate must not be negative")
	}
	lines, subtotal, err := PriceLines(items)
	if err != nil {
		return nil, Totals{}, err
	}
	if discount > subtotal {
		discount = subtotal
	}
	t := Totals{
		Subtotal:    subtotal,
		Discount:    discount,
		DeliveryFee: deliveryFee,
		Tax:         (subtotal - discount) * taxBps / 10000,
	}
	t.Total = t.Subtotal - t.Discount + t.DeliveryFee + t.Tax
	return lines, t, nil
}
