package events

import (
	"encoding/json"
	"time"
)

const (
	EventStockMovementRecorded = "StockMovementRecorded"
	EventReservationChanged    = "ReservationChanged"
	EventOrderTransitioned     = "OrderTransitioned"
	EventPaymentTransitioned   = "PaymentTransitioned"
	EventOrderNotification     = "OrderNotification"
	EventPaymentNotification   = "PaymentNotification"
	EventPaymentCallback       = "PaymentCallback"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id, or sku for ledger events
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type MovementPayload struct {
	MovementID     string    `json:"movement_id"`
	ProductID      string    `json:"product_id"`
	VariantID      string    `json:"variant_id,omitempty"`
	Type           string    `json:"type"`
	Delta          int       `json:"delta"`
	BalanceBefore  int       `json:"balance_before"`
	BalanceAfter   int       `json:"balance_after"`
	ReservedBefore int       `json:"reserved_before"`
	ReservedAfter  int       `json:"reserved_after"`
	Reason         string    `json:"reason"`
	OriginRef      string    `json:"origin_ref,omitempty"`
	At             time.Time `json:"at"`
}

type ReservationPayload struct {
	OrderID       string `json:"order_id"`
	ReservationID string `json:"reservation_id"`
	SKU           string `json:"sku"`
	Qty           int    `json:"qty"`
	Status        string `json:"status"`
}

type TransitionPayload struct {
	OrderID   string    `json:"order_id"`
	PaymentID string    `json:"payment_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Override  bool      `json:"override,omitempty"`
	At        time.Time `json:"at"`
}

type NotificationPayload struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id,omitempty"`
	PaymentID  string `json:"payment_id,omitempty"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount,omitempty"`
	Message    string `json:"message,omitempty"`
}

// CallbackPayload is what the payment gateway delivers, over HTTP or Kafka.
type CallbackPayload struct {
	ExternalRef string `json:"external_ref"`
	Outcome     string `json:"outcome"` // paid | failed
	GatewayRef  string `json:"gateway_ref,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
