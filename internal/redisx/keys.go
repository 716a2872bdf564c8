package redisx

import "time"

const (
	// Coupon usage, braced so all three keys of one code share a slot:
	// coupon:{code}:usage -> int
	KeyCouponUsage = "coupon:{%s}:usage"
	// coupon:{code}:customers -> hash customer_id -> int
	KeyCouponCustomers = "coupon:{%s}:customers"
	// coupon:{code}:orders -> hash order_id -> customer_id
	KeyCouponOrders = "coupon:{%s}:orders"

	// Idempotency create order: idem:order:create:{external_id} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Cache status order: order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
