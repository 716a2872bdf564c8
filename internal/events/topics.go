package events

const (
	// audit side channel
	TopicLedgerMovements    = "ledger.movements"
	TopicReservationChanges = "ledger.reservations"
	TopicOrderTransitions   = "order.transitions"
	TopicPaymentTransitions = "payment.transitions"

	// notifications
	TopicOrderNotifications   = "notify.orders"
	TopicPaymentNotifications = "notify.payments"

	// inbound
	TopicPaymentCallbacks = "payments.callbacks"
)

// PartitionKey keeps every event of one order (or one sku) in order.
func PartitionKey(id string) []byte { return []byte(id) }
