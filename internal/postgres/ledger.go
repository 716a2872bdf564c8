package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
)

// LedgerStore keeps levels in stock_levels and the log in stock_movements.
// Apply locks the level row, so writers to one SKU queue up in Postgres even
// across processes.
type LedgerStore struct{ DB *pgxpool.Pool }

var _ ledger.Store = (*LedgerStore)(nil)

const levelCols = `product_id, variant_id, quantity, reserved, version, updated_at`

func scanLevel(row pgx.Row) (ledger.StockLevel, error) {
	var l ledger.StockLevel
	err := row.Scan(&l.SKU.ProductID, &l.SKU.VariantID, &l.Quantity, &l.Reserved, &l.Version, &l.UpdatedAt)
	return l, err
}

func (s *LedgerStore) Apply(ctx context.Context, sku ledger.SKU, fn ledger.ApplyFunc) (ledger.Movement, ledger.StockLevel, error) {
	var (
		mv   ledger.Movement
		next ledger.StockLevel
	)
	err := inTx(ctx, s.DB, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO stock_levels(product_id, variant_id) VALUES ($1, $2)
			ON CONFLICT (product_id, variant_id) DO NOTHING`, sku.ProductID, sku.VariantID); err != nil {
			return dbErr(err, "init level")
		}
		cur, err := scanLevel(tx.QueryRow(ctx, `
			SELECT `+levelCols+` FROM stock_levels
			WHERE product_id=$1 AND variant_id=$2 FOR UPDATE`, sku.ProductID, sku.VariantID))
		if err != nil {
			return dbErr(err, "lock level")
		}

		mv, next, err = fn(cur)
		if err != nil {
			next = cur
			return err
		}

		// movement first, then the level it produced
		if _, err := tx.Exec(ctx, `
			INSERT INTO stock_movements(id, product_id, variant_id, type, delta, balance_before, balance_after,
				reserved_before, reserved_after, from_reservation, reason, note, origin_ref, sequence, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			mv.ID, sku.ProductID, sku.VariantID, string(mv.Type), mv.Delta, mv.BalanceBefore, mv.BalanceAfter,
			mv.ReservedBefore, mv.ReservedAfter, mv.FromReservation, mv.Reason, mv.Note, mv.OriginRef, mv.Sequence, mv.CreatedAt,
		); err != nil {
			return dbErr(err, "insert movement")
		}
		if _, err := tx.Exec(ctx, `
			UPDATE stock_levels SET quantity=$3, reserved=$4, version=$5, updated_at=$6
			WHERE product_id=$1 AND variant_id=$2`,
			sku.ProductID, sku.VariantID, next.Quantity, next.Reserved, next.Version, next.UpdatedAt,
		); err != nil {
			return dbErr(err, "update level")
		}
		return nil
	})
	if err != nil {
		return ledger.Movement{}, next, err
	}
	return mv, next, nil
}

func (s *LedgerStore) Level(ctx context.Context, sku ledger.SKU) (ledger.StockLevel, error) {
	l, err := scanLevel(s.DB.QueryRow(ctx, `
		SELECT `+levelCols+` FROM stock_levels WHERE product_id=$1 AND variant_id=$2`, sku.ProductID, sku.VariantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.StockLevel{SKU: sku}, nil
	}
	if err != nil {
		return ledger.StockLevel{}, dbErr(err, "get level")
	}
	return l, nil
}

func (s *LedgerStore) Movements(ctx context.Context, sku ledger.SKU) ([]ledger.Movement, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, type, delta, balance_before, balance_after, reserved_before, reserved_after,
			from_reservation, reason, note, origin_ref, sequence, created_at
		FROM stock_movements WHERE product_id=$1 AND variant_id=$2
		ORDER BY sequence`, sku.ProductID, sku.VariantID)
	if err != nil {
		return nil, dbErr(err, "list movements")
	}
	defer rows.Close()

	var out []ledger.Movement
	for rows.Next() {
		m := ledger.Movement{SKU: sku}
		var typ string
		if err := rows.Scan(&m.ID, &typ, &m.Delta, &m.BalanceBefore, &m.BalanceAfter, &m.ReservedBefore, &m.ReservedAfter,
			&m.FromReservation, &m.Reason, &m.Note, &m.OriginRef, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, dbErr(err, "scan movement")
		}
		m.Type = ledger.MovementType(typ)
		out = append(out, m)
	}
	return out, dbErr(rows.Err(), "list movements")
}

func (s *LedgerStore) SKUs(ctx context.Context) ([]ledger.SKU, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT product_id, variant_id FROM stock_levels
		UNION
		SELECT product_id, variant_id FROM stock_movements
		ORDER BY 1, 2`)
	if err != nil {
		return nil, dbErr(err, "list skus")
	}
	defer rows.Close()
	var out []ledger.SKU
	for rows.Next() {
		var k ledger.SKU
		if err := rows.Scan(&k.ProductID, &k.VariantID); err != nil {
			return nil, dbErr(err, "scan sku")
		}
		out = append(out, k)
	}
	return out, dbErr(rows.Err(), "list skus")
}

func (s *LedgerStore) PutLevel(ctx context.Context, l ledger.StockLevel) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO stock_levels(product_id, variant_id, quantity, reserved, version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (product_id, variant_id) DO UPDATE
		SET quantity=EXCLUDED.quantity, reserved=EXCLUDED.reserved, version=EXCLUDED.version, updated_at=EXCLUDED.updated_at`,
		l.SKU.ProductID, l.SKU.VariantID, l.Quantity, l.Reserved, l.Version, l.UpdatedAt)
	return dbErr(err, "put level")
}
