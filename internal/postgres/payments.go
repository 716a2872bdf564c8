package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/payments"
)

type PaymentStore struct{ DB *pgxpool.Pool }

var _ payments.Store = (*PaymentStore)(nil)

const paymentCols = `id, order_id, method, amount, status, COALESCE(external_ref, ''), gateway_ref, payment_url,
	failure_reason, refunded_amount, refund_reason, version, created_at, updated_at, paid_at`

func scanPayment(row pgx.Row) (payments.Payment, error) {
	var (
		p  payments.Payment
		st string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.Method, &p.Amount, &st, &p.ExternalRef, &p.GatewayRef, &p.PaymentURL,
		&p.FailureReason, &p.RefundedAmount, &p.RefundReason, &p.Version, &p.CreatedAt, &p.UpdatedAt, &p.PaidAt)
	p.Status = payments.Status(st)
	return p, err
}

func (s *PaymentStore) Insert(ctx context.Context, p payments.Payment) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO payments(id, order_id, method, amount, status, external_ref, gateway_ref, payment_url,
			failure_reason, refunded_amount, refund_reason, version, created_at, updated_at, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.OrderID, p.Method, p.Amount, string(p.Status), nullable(p.ExternalRef), p.GatewayRef, p.PaymentURL,
		p.FailureReason, p.RefundedAmount, p.RefundReason, p.Version, p.CreatedAt, p.UpdatedAt, p.PaidAt)
	if isUniqueViolation(err) {
		return fault.Invariant("payment %s already exists", p.ID)
	}
	return dbErr(err, "insert payment")
}

func (s *PaymentStore) Get(ctx context.Context, id string) (payments.Payment, error) {
	p, err := scanPayment(s.DB.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.Payment{}, &payments.NotFoundError{Ref: id}
	}
	return p, dbErr(err, "get payment")
}

func (s *PaymentStore) GetByExternalRef(ctx context.Context, ref string) (payments.Payment, error) {
	p, err := scanPayment(s.DB.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE external_ref=$1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.Payment{}, &payments.NotFoundError{Ref: ref}
	}
	return p, dbErr(err, "get payment by ref")
}

func (s *PaymentStore) ListByOrder(ctx context.Context, orderID string) ([]payments.Payment, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+paymentCols+` FROM payments WHERE order_id=$1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, dbErr(err, "list payments")
	}
	defer rows.Close()
	out := []payments.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, dbErr(err, "scan payment")
		}
		out = append(out, p)
	}
	return out, dbErr(rows.Err(), "list payments")
}

func (s *PaymentStore) Update(ctx context.Context, p payments.Payment, expected int64) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE payments SET status=$3, external_ref=$4, gateway_ref=$5, payment_url=$6, failure_reason=$7,
			refunded_amount=$8, refund_reason=$9, version=$10, updated_at=$11, paid_at=$12
		WHERE id=$1 AND version=$2`,
		p.ID, expected, string(p.Status), nullable(p.ExternalRef), p.GatewayRef, p.PaymentURL, p.FailureReason,
		p.RefundedAmount, p.RefundReason, p.Version, p.UpdatedAt, p.PaidAt)
	if isUniqueViolation(err) {
		return fault.Invariant("external ref %s already belongs to another payment", p.ExternalRef)
	}
	if err != nil {
		return dbErr(err, "update payment")
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, p.ID); err != nil {
		return err
	}
	return &payments.ConflictError{PaymentID: p.ID, Expected: expected}
}
