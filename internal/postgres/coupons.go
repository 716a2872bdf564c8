package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-realtime-ledger/internal/coupon"
)

// CouponStore is both the coupon repository and a usage counter backed by
// coupon_redemptions. Redeem locks the coupon row, so concurrent redemptions
// of one code serialize while other codes proceed.
type CouponStore struct{ DB *pgxpool.Pool }

var (
	_ coupon.Repository   = (*CouponStore)(nil)
	_ coupon.UsageCounter = (*CouponStore)(nil)
)

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *CouponStore) Put(ctx context.Context, c coupon.Coupon) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CategoryIDs == nil {
		c.CategoryIDs = []string{}
	}
	if c.ProductIDs == nil {
		c.ProductIDs = []string{}
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO coupons(code, type, value, min_purchase, usage_cap, per_customer_cap,
			category_ids, product_ids, starts_at, ends_at, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (code) DO UPDATE SET type=EXCLUDED.type, value=EXCLUDED.value,
			min_purchase=EXCLUDED.min_purchase, usage_cap=EXCLUDED.usage_cap,
			per_customer_cap=EXCLUDED.per_customer_cap, category_ids=EXCLUDED.category_ids,
			product_ids=EXCLUDED.product_ids, starts_at=EXCLUDED.starts_at, ends_at=EXCLUDED.ends_at,
			active=EXCLUDED.active`,
		coupon.Normalize(c.Code), string(c.Type), c.Value, c.MinPurchase, c.UsageCap, c.PerCustomerCap,
		c.CategoryIDs, c.ProductIDs, nullTime(c.StartsAt), nullTime(c.EndsAt), c.Active)
	return dbErr(err, "put coupon")
}

func (s *CouponStore) Get(ctx context.Context, code string) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		typ          string
		starts, ends *time.Time
	)
	err := s.DB.QueryRow(ctx, `
		SELECT code, type, value, min_purchase, usage_cap, per_customer_cap, category_ids, product_ids,
			starts_at, ends_at, active, usage_count
		FROM coupons WHERE code=$1`, coupon.Normalize(code)).Scan(
		&c.Code, &typ, &c.Value, &c.MinPurchase, &c.UsageCap, &c.PerCustomerCap, &c.CategoryIDs, &c.ProductIDs,
		&starts, &ends, &c.Active, &c.UsageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return coupon.Coupon{}, &coupon.NotFoundError{Code: code}
	}
	if err != nil {
		return coupon.Coupon{}, dbErr(err, "get coupon")
	}
	c.Type = coupon.Type(typ)
	if starts != nil {
		c.StartsAt = *starts
	}
	if ends != nil {
		c.EndsAt = *ends
	}
	return c, nil
}

func (s *CouponStore) Usage(ctx context.Context, code string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT count(*) FROM coupon_redemptions WHERE code=$1`, coupon.Normalize(code)).Scan(&n)
	return n, dbErr(err, "coupon usage")
}

func (s *CouponStore) CustomerUsage(ctx context.Context, code, customerID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM coupon_redemptions WHERE code=$1 AND customer_id=$2`,
		coupon.Normalize(code), customerID).Scan(&n)
	return n, dbErr(err, "coupon customer usage")
}

func (s *CouponStore) Redeem(ctx context.Context, r coupon.Redemption) error {
	code := coupon.Normalize(r.Code)
	return inTx(ctx, s.DB, func(tx pgx.Tx) error {
		// the coupon row is the per-code lock
		var used int
		err := tx.QueryRow(ctx, `SELECT usage_count FROM coupons WHERE code=$1 FOR UPDATE`, code).Scan(&used)
		if errors.Is(err, pgx.ErrNoRows) {
			return &coupon.NotFoundError{Code: code}
		}
		if err != nil {
			return dbErr(err, "lock coupon")
		}

		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM coupon_redemptions WHERE code=$1 AND order_id=$2)`,
			code, r.OrderID).Scan(&exists); err != nil {
			return dbErr(err, "check redemption")
		}
		if exists {
			return nil
		}
		if r.TotalCap > 0 && used >= r.TotalCap {
			return &coupon.UsageLimitExceededError{Code: code, Scope: coupon.ScopeGlobal, Cap: r.TotalCap}
		}
		if r.PerCustomerCap > 0 {
			var mine int
			if err := tx.QueryRow(ctx, `
				SELECT count(*) FROM coupon_redemptions WHERE code=$1 AND customer_id=$2`,
				code, r.CustomerID).Scan(&mine); err != nil {
				return dbErr(err, "customer usage")
			}
			if mine >= r.PerCustomerCap {
				return &coupon.UsageLimitExceededError{Code: code, Scope: coupon.ScopeCustomer, Cap: r.PerCustomerCap}
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO coupon_redemptions(code, order_id, customer_id) VALUES ($1,$2,$3)`,
			code, r.OrderID, r.CustomerID); err != nil {
			return dbErr(err, "insert redemption")
		}
		_, err = tx.Exec(ctx, `UPDATE coupons SET usage_count = usage_count + 1 WHERE code=$1`, code)
		return dbErr(err, "bump usage")
	})
}

func (s *CouponStore) Revoke(ctx context.Context, code, orderID string) error {
	code = coupon.Normalize(code)
	return inTx(ctx, s.DB, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `DELETE FROM coupon_redemptions WHERE code=$1 AND order_id=$2`, code, orderID)
		if err != nil {
			return dbErr(err, "delete redemption")
		}
		if ct.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE coupons SET usage_count = usage_count - 1 WHERE code=$1`, code)
		return dbErr(err, "drop usage")
	})
}
