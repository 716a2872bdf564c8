package ledger

import (
	"strings"
	"time"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

// SKU identifies one independently tracked product/variant. An empty
// VariantID means the product has no variants.
type SKU struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

func (k SKU) String() string {
	if k.VariantID == "" {
		return k.ProductID
	}
	return k.ProductID + "/" + k.VariantID
}

func (k SKU) Validate() error {
	if strings.TrimSpace(k.ProductID) == "" {
		return fault.Validation("sku: product id is required")
	}
	return nil
}

// ParseSKU is the inverse of SKU.String.
func ParseSKU(s string) SKU {
	product, variant, _ := strings.Cut(s, "/")
	return SKU{ProductID: product, VariantID: variant}
}

type MovementType string

const (
	Inbound     MovementType = "inbound"
	Outbound    MovementType = "outbound"
	Adjustment  MovementType = "adjustment"
	Reservation MovementType = "reservation"
	Return      MovementType = "return"
)

func (t MovementType) Valid() bool {
	switch t {
	case Inbound, Outbound, Adjustment, Reservation, Return:
		return true
	}
	return false
}

// reason codes written by this service
const (
	ReasonReceipt      = "purchase_receipt"
	ReasonStocktake    = "stocktake"
	ReasonOrderHold    = "order_hold"
	ReasonHoldRelease  = "hold_release"
	ReasonHoldRollback = "hold_rollback"
	ReasonOrderCommit  = "order_commit"
	ReasonReturn       = "customer_return"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusLow      Status = "low"
	StatusCritical Status = "critical"
)

// Thresholds classify availability: available <= Critical is critical,
// available <= Low is low.
type Thresholds struct {
	Low      int
	Critical int
}

var DefaultThresholds = Thresholds{Low: 10, Critical: 2}

func (t Thresholds) Classify(available int) Status {
	switch {
	case available <= t.Critical:
		return StatusCritical
	case available <= t.Low:
		return StatusLow
	default:
		return StatusOK
	}
}

type StockLevel struct {
	SKU       SKU       `json:"sku"`
	Quantity  int       `json:"quantity"`
	Reserved  int       `json:"reserved"`
	Available int       `json:"available"`
	Status    Status    `json:"status"`
	Version   int64     `json:"version"` // sequence of the last applied movement
	UpdatedAt time.Time `json:"updated_at"`
}

// Movement is an immutable ledger fact. Balance fields snapshot on-hand
// quantity; Reserved fields snapshot the held amount.
type Movement struct {
	ID              string       `json:"id"`
	SKU             SKU          `json:"sku"`
	Type            MovementType `json:"type"`
	Delta           int          `json:"delta"`
	BalanceBefore   int          `json:"balance_before"`
	BalanceAfter    int          `json:"balance_after"`
	ReservedBefore  int          `json:"reserved_before"`
	ReservedAfter   int          `json:"reserved_after"`
	FromReservation bool         `json:"from_reservation,omitempty"`
	Reason          string       `json:"reason"`
	Note            string       `json:"note,omitempty"`
	OriginRef       string       `json:"origin_ref,omitempty"`
	Sequence        int64        `json:"sequence"`
	CreatedAt       time.Time    `json:"created_at"`
}

// QuantityEffect is the change this movement made to on-hand quantity.
func (m Movement) QuantityEffect() int {
	if m.Type == Reservation {
		return 0
	}
	return m.Delta
}

// ReservedEffect is the change this movement made to the reserved amount.
func (m Movement) ReservedEffect() int {
	if m.Type == Reservation || (m.Type == Outbound && m.FromReservation) {
		return m.Delta
	}
	return 0
}

type MovementRequest struct {
	SKU       SKU
	Type      MovementType
	Delta     int
	Reason    string
	Note      string
	OriginRef string
	// FromReservation marks an outbound movement that consumes held stock,
	// decrementing quantity and reserved together.
	FromReservation bool
}

func (r MovementRequest) validate() error {
	if err := r.SKU.Validate(); err != nil {
		return err
	}
	if !r.Type.Valid() {
		return fault.Validation("movement: unknown type %q", r.Type)
	}
	if strings.TrimSpace(r.Reason) == "" {
		return fault.Validation("movement: reason is required")
	}
	switch r.Type {
	case Inbound, Return:
		if r.Delta <= 0 {
			return fault.Validation("movement: %s delta must be positive, got %d", r.Type, r.Delta)
		}
	case Outbound:
		if r.Delta >= 0 {
			return fault.Validation("movement: outbound delta must be negative, got %d", r.Delta)
		}
	case Reservation:
		if r.Delta == 0 {
			return fault.Validation("movement: reservation delta must be non-zero")
		}
	}
	if r.FromReservation && r.Type != Outbound {
		return fault.Validation("movement: only outbound movements can consume a reservation")
	}
	return nil
}
