package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-realtime-ledger/internal/fulfillment"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
)

type Catalog struct{ DB *pgxpool.Pool }

var _ fulfillment.Catalog = (*Catalog)(nil)

func (c *Catalog) Put(ctx context.Context, p fulfillment.Product) error {
	_, err := c.DB.Exec(ctx, `
		INSERT INTO products(product_id, variant_id, name, category_id, price_cents, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (product_id, variant_id) DO UPDATE SET name=EXCLUDED.name,
			category_id=EXCLUDED.category_id, price_cents=EXCLUDED.price_cents, active=EXCLUDED.active`,
		p.SKU.ProductID, p.SKU.VariantID, p.Name, p.CategoryID, p.UnitPrice, p.Active)
	return dbErr(err, "put product")
}

// Lookup fails on the first SKU that is missing or inactive.
func (c *Catalog) Lookup(ctx context.Context, skus []ledger.SKU) (map[ledger.SKU]fulfillment.Product, error) {
	products := make([]string, len(skus))
	variants := make([]string, len(skus))
	for i, k := range skus {
		products[i], variants[i] = k.ProductID, k.VariantID
	}
	rows, err := c.DB.Query(ctx, `
		SELECT p.product_id, p.variant_id, p.name, p.category_id, p.price_cents, p.active
		FROM products p
		JOIN unnest($1::text[], $2::text[]) AS want(product_id, variant_id)
			ON p.product_id = want.product_id AND p.variant_id = want.variant_id`, products, variants)
	if err != nil {
		return nil, dbErr(err, "lookup products")
	}
	defer rows.Close()

	found := make(map[ledger.SKU]fulfillment.Product, len(skus))
	for rows.Next() {
		var p fulfillment.Product
		if err := rows.Scan(&p.SKU.ProductID, &p.SKU.VariantID, &p.Name, &p.CategoryID, &p.UnitPrice, &p.Active); err != nil {
			return nil, dbErr(err, "scan product")
		}
		found[p.SKU] = p
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "lookup products")
	}
	for _, k := range skus {
		if p, ok := found[k]; !ok || !p.Active {
			return nil, &fulfillment.UnknownProductError{SKU: k}
		}
	}
	return found, nil
}
