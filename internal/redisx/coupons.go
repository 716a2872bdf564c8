package redisx

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-realtime-ledger/internal/coupon"
	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

var (
	//go:embed redeem.lua
	redeemLua string
	//go:embed revoke.lua
	revokeLua string

	redeemScript = redis.NewScript(redeemLua)
	revokeScript = redis.NewScript(revokeLua)
)

// CouponCounter keeps coupon usage in Redis so every instance sees the same
// caps. Check-and-increment runs as one Lua script.
type CouponCounter struct {
	rdb *redis.Client
}

var _ coupon.UsageCounter = (*CouponCounter)(nil)

func NewCouponCounter(rdb *redis.Client) *CouponCounter {
	return &CouponCounter{rdb: rdb}
}

func couponKeys(code string) []string {
	code = coupon.Normalize(code)
	return []string{
		fmt.Sprintf(KeyCouponUsage, code),
		fmt.Sprintf(KeyCouponCustomers, code),
		fmt.Sprintf(KeyCouponOrders, code),
	}
}

func (c *CouponCounter) Usage(ctx context.Context, code string) (int, error) {
	n, err := c.rdb.Get(ctx, couponKeys(code)[0]).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fault.External(err, "coupon usage %s", code)
	}
	return n, nil
}

func (c *CouponCounter) CustomerUsage(ctx context.Context, code, customerID string) (int, error) {
	n, err := c.rdb.HGet(ctx, couponKeys(code)[1], customerID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fault.External(err, "coupon customer usage %s", code)
	}
	return n, nil
}

func (c *CouponCounter) Redeem(ctx context.Context, r coupon.Redemption) error {
	code := coupon.Normalize(r.Code)
	res, err := redeemScript.Run(ctx, c.rdb, couponKeys(code), r.CustomerID, r.OrderID, r.TotalCap, r.PerCustomerCap).Int()
	if err != nil {
		return fault.External(err, "redeem coupon %s", code)
	}
	switch res {
	case -1:
		return &coupon.UsageLimitExceededError{Code: code, Scope: coupon.ScopeGlobal, Cap: r.TotalCap}
	case -2:
		return &coupon.UsageLimitExceededError{Code: code, Scope: coupon.ScopeCustomer, Cap: r.PerCustomerCap}
	}
	return nil
}

func (c *CouponCounter) Revoke(ctx context.Context, code, orderID string) error {
	if err := revokeScript.Run(ctx, c.rdb, couponKeys(code), orderID).Err(); err != nil {
		return fault.External(err, "revoke coupon %s", code)
	}
	return nil
}
