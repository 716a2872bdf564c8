package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/reservation"
)

type ReservationStore struct{ DB *pgxpool.Pool }

var _ reservation.Store = (*ReservationStore)(nil)

func (s *ReservationStore) Insert(ctx context.Context, rs []reservation.Reservation) error {
	return inTx(ctx, s.DB, func(tx pgx.Tx) error {
		for _, r := range rs {
			_, err := tx.Exec(ctx, `
				INSERT INTO reservations(id, order_id, product_id, variant_id, qty, status,
					hold_movement_id, settle_movement_id, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				r.ID, r.OrderID, r.SKU.ProductID, r.SKU.VariantID, r.Quantity, string(r.Status),
				r.HoldMovementID, r.SettleMovementID, r.CreatedAt, r.UpdatedAt)
			if isUniqueViolation(err) {
				return fault.Invariant("reservation %s already exists", r.ID)
			}
			if err != nil {
				return dbErr(err, "insert reservation")
			}
		}
		return nil
	})
}

func (s *ReservationStore) ListByOrder(ctx context.Context, orderID string) ([]reservation.Reservation, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, product_id, variant_id, qty, status, hold_movement_id, settle_movement_id, created_at, updated_at
		FROM reservations WHERE order_id=$1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, dbErr(err, "list reservations")
	}
	defer rows.Close()

	out := []reservation.Reservation{}
	for rows.Next() {
		var (
			r  reservation.Reservation
			st string
		)
		if err := rows.Scan(&r.ID, &r.OrderID, &r.SKU.ProductID, &r.SKU.VariantID, &r.Quantity, &st,
			&r.HoldMovementID, &r.SettleMovementID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, dbErr(err, "scan reservation")
		}
		r.Status = reservation.Status(st)
		out = append(out, r)
	}
	return out, dbErr(rows.Err(), "list reservations")
}

func (s *ReservationStore) UpdateStatus(ctx context.Context, id string, from, to reservation.Status, movementID string, at time.Time) error {
	if !reservation.CanTransition(from, to) {
		return fault.Invariant("reservation %s cannot move %s -> %s", id, from, to)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE reservations SET status=$3, settle_movement_id=$4, updated_at=$5
		WHERE id=$1 AND status=$2`, id, string(from), string(to), movementID, at)
	if err != nil {
		return dbErr(err, "update reservation")
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var cur string
	if err := s.DB.QueryRow(ctx, `SELECT status FROM reservations WHERE id=$1`, id).Scan(&cur); err != nil {
		return fault.NotFound("reservation %s not found", id)
	}
	return fault.Invariant("reservation %s is %s, cannot move %s -> %s", id, cur, from, to)
}
