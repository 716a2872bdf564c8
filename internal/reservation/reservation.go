package reservation

import (
	"fmt"
	"time"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
)

type Status string

const (
	StatusHeld      Status = "held"
	StatusReleased  Status = "released"
	StatusCommitted Status = "committed"
)

var validNext = map[Status]map[Status]bool{
	StatusHeld:      {StatusReleased: true, StatusCommitted: true},
	StatusReleased:  {},
	StatusCommitted: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

type LineItem struct {
	SKU      ledger.SKU `json:"sku"`
	Quantity int        `json:"qty"`
}

// Reservation is one held SKU line of one order.
type Reservation struct {
	ID               string     `json:"id"`
	OrderID          string     `json:"order_id"`
	SKU              ledger.SKU `json:"sku"`
	Quantity         int        `json:"qty"`
	Status           Status     `json:"status"`
	HoldMovementID   string     `json:"hold_movement_id"`
	SettleMovementID string     `json:"settle_movement_id,omitempty"` // release or commit movement
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StockUnavailableError names the first line that could not be held.
type StockUnavailableError struct {
	OrderID   string
	SKU       ledger.SKU
	Requested int
	Available int
	Err       error
}

func (e *StockUnavailableError) Error() string {
	return fmt.Sprintf("stock unavailable for order %s: %s needs %d, %d available", e.OrderID, e.SKU, e.Requested, e.Available)
}

func (e *StockUnavailableError) Unwrap() error    { return e.Err }
func (e *StockUnavailableError) Kind() fault.Kind { return fault.KindBusiness }

// ReservationNotFoundError is raised by Commit for an order with nothing
// held. Callers must not swallow it.
type ReservationNotFoundError struct {
	OrderID string
}

func (e *ReservationNotFoundError) Error() string {
	return fmt.Sprintf("no open reservation for order %s", e.OrderID)
}

func (e *ReservationNotFoundError) Kind() fault.Kind { return fault.KindInvariant }

// normalise merges duplicate SKUs, keeping first-seen order.
func normalise(items []LineItem) ([]LineItem, error) {
	if len(items) == 0 {
		return nil, fault.Validation("hold: at least one line item is required")
	}
	idx := make(map[ledger.SKU]int, len(items))
	out := make([]LineItem, 0, len(items))
	for _, it := range items {
		if err := it.SKU.Validate(); err != nil {
			return nil, err
		}
		if it.Quantity <= 0 {
			return nil, fault.Validation("hold: invalid qty %d for %s", it.Quantity, it.SKU)
		}
		if i, ok := idx[it.SKU]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		idx[it.SKU] = len(out)
		out = append(out, it)
	}
	return out, nil
}
