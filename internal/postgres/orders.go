package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/orders"
)

// OrderStore keeps line items, totals, address and history as JSONB: they
// are frozen snapshots read and written with the order as a whole.
type OrderStore struct{ DB *pgxpool.Pool }

var _ orders.Store = (*OrderStore)(nil)

const orderCols = `id, COALESCE(external_id, ''), customer_id, status, payment_status, items, totals,
	coupon_code, address, cancel_reason, archived, history, version, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var (
		o         orders.Order
		st, paySt string
	)
	err := row.Scan(&o.ID, &o.ExternalID, &o.CustomerID, &st, &paySt, &o.Items, &o.Totals,
		&o.CouponCode, &o.Address, &o.CancelReason, &o.Archived, &o.History, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	o.Status = orders.Status(st)
	o.PaymentStatus = orders.PaymentStatus(paySt)
	return o, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *OrderStore) Insert(ctx context.Context, o orders.Order) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO orders(id, external_id, customer_id, status, payment_status, items, totals,
			coupon_code, address, cancel_reason, archived, history, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		o.ID, nullable(o.ExternalID), o.CustomerID, string(o.Status), string(o.PaymentStatus), o.Items, o.Totals,
		o.CouponCode, o.Address, o.CancelReason, o.Archived, o.History, o.Version, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return fault.Invariant("order %s (external id %q) already exists", o.ID, o.ExternalID)
	}
	return dbErr(err, "insert order")
}

func (s *OrderStore) Get(ctx context.Context, id string) (orders.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, &orders.NotFoundError{ID: id}
	}
	return o, dbErr(err, "get order")
}

func (s *OrderStore) GetByExternalID(ctx context.Context, externalID string) (orders.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE external_id=$1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, &orders.NotFoundError{ID: externalID}
	}
	return o, dbErr(err, "get order by external id")
}

func (s *OrderStore) Update(ctx context.Context, o orders.Order, expected int64) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE orders SET status=$3, payment_status=$4, items=$5, totals=$6, coupon_code=$7,
			address=$8, cancel_reason=$9, archived=$10, history=$11, version=$12, updated_at=$13
		WHERE id=$1 AND version=$2`,
		o.ID, expected, string(o.Status), string(o.PaymentStatus), o.Items, o.Totals, o.CouponCode,
		o.Address, o.CancelReason, o.Archived, o.History, o.Version, o.UpdatedAt)
	if err != nil {
		return dbErr(err, "update order")
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, o.ID); err != nil {
		return err
	}
	return &orders.ConflictError{OrderID: o.ID, Expected: expected}
}

func (s *OrderStore) ListStale(ctx context.Context, status orders.Status, cutoff time.Time) ([]orders.Order, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE status=$1 AND NOT archived AND created_at < $2
		ORDER BY created_at`, string(status), cutoff)
	if err != nil {
		return nil, dbErr(err, "list stale orders")
	}
	defer rows.Close()
	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, dbErr(err, "scan order")
		}
		out = append(out, o)
	}
	return out, dbErr(rows.Err(), "list stale orders")
}
