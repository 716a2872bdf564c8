package ledger

import (
	"fmt"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

// InsufficientStockError is returned when an outbound or reservation movement
// would push available stock below zero.
type InsufficientStockError struct {
	SKU       SKU
	Type      MovementType
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: %s of %d requested, %d available", e.SKU, e.Type, e.Requested, e.Available)
}

func (e *InsufficientStockError) Kind() fault.Kind { return fault.KindBusiness }

// AdjustmentBelowReservedError is returned when a correction would leave less
// on hand than is already promised to orders.
type AdjustmentBelowReservedError struct {
	SKU         SKU
	NewQuantity int
	Reserved    int
}

func (e *AdjustmentBelowReservedError) Error() string {
	return fmt.Sprintf("adjustment for %s to %d would leave %d reserved units uncovered", e.SKU, e.NewQuantity, e.Reserved)
}

func (e *AdjustmentBelowReservedError) Kind() fault.Kind { return fault.KindBusiness }

// ReservationUnderflowError means a caller tried to release or consume more
// than is held. That is an integration bug, not a stock shortage.
type ReservationUnderflowError struct {
	SKU       SKU
	Requested int
	Reserved  int
}

func (e *ReservationUnderflowError) Error() string {
	return fmt.Sprintf("reservation underflow for %s: %d requested, %d reserved", e.SKU, e.Requested, e.Reserved)
}

func (e *ReservationUnderflowError) Kind() fault.Kind { return fault.KindInvariant }
