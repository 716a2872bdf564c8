// Package seed loads catalog, coupon and opening stock fixtures from YAML.
package seed

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ariefcatur/go-realtime-ledger/internal/coupon"
	"github.com/ariefcatur/go-realtime-ledger/internal/fulfillment"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
)

type File struct {
	Products []Product `yaml:"products"`
	Coupons  []Coupon  `yaml:"coupons"`
}

type Product struct {
	ProductID  string `yaml:"product_id"`
	VariantID  string `yaml:"variant_id"`
	Name       string `yaml:"name"`
	CategoryID string `yaml:"category_id"`
	UnitPrice  int64  `yaml:"unit_price"`
	Inactive   bool   `yaml:"inactive"`
	Stock      int    `yaml:"stock"` // opening balance, written as an inbound movement
}

type Coupon struct {
	Code           string    `yaml:"code"`
	Type           string    `yaml:"type"`
	Value          int64     `yaml:"value"`
	MinPurchase    int64     `yaml:"min_purchase"`
	UsageCap       int       `yaml:"usage_cap"`
	PerCustomerCap int       `yaml:"per_customer_cap"`
	CategoryIDs    []string  `yaml:"category_ids"`
	ProductIDs     []string  `yaml:"product_ids"`
	StartsAt       time.Time `yaml:"starts_at"`
	EndsAt         time.Time `yaml:"ends_at"`
	Inactive       bool      `yaml:"inactive"`
}

func Parse(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return File{}, fmt.Errorf("seed: %w", err)
	}
	return f, nil
}

func ParseFile(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer fh.Close()
	return Parse(fh)
}

type ProductWriter interface {
	Put(ctx context.Context, p fulfillment.Product) error
}

type CouponWriter interface {
	Put(ctx context.Context, c coupon.Coupon) error
}

// Apply writes products and coupons, then books opening stock for SKUs that
// have none yet, so re-running against a live ledger is harmless.
func Apply(ctx context.Context, f File, products ProductWriter, coupons CouponWriter, l *ledger.Ledger) error {
	for _, p := range f.Products {
		sku := ledger.SKU{ProductID: p.ProductID, VariantID: p.VariantID}
		if err := products.Put(ctx, fulfillment.Product{
			SKU:        sku,
			Name:       p.Name,
			CategoryID: p.CategoryID,
			UnitPrice:  p.UnitPrice,
			Active:     !p.Inactive,
		}); err != nil {
			return fmt.Errorf("seed product %s: %w", sku, err)
		}
		if p.Stock <= 0 {
			continue
		}
		lvl, err := l.Level(ctx, sku)
		if err != nil {
			return err
		}
		if lvl.Version > 0 {
			continue
		}
		if _, err := l.RecordMovement(ctx, ledger.MovementRequest{
			SKU:    sku,
			Type:   ledger.Inbound,
			Delta:  p.Stock,
			Reason: ledger.ReasonReceipt,
			Note:   "opening balance",
		}); err != nil {
			return fmt.Errorf("seed stock %s: %w", sku, err)
		}
	}
	for _, c := range f.Coupons {
		if err := coupons.Put(ctx, coupon.Coupon{
			Code:           c.Code,
			Type:           coupon.Type(c.Type),
			Value:          c.Value,
			MinPurchase:    c.MinPurchase,
			UsageCap:       c.UsageCap,
			PerCustomerCap: c.PerCustomerCap,
			CategoryIDs:    c.CategoryIDs,
			ProductIDs:     c.ProductIDs,
			StartsAt:       c.StartsAt,
			EndsAt:         c.EndsAt,
			Active:         !c.Inactive,
		}); err != nil {
			return fmt.Errorf("seed coupon %s: %w", c.Code, err)
		}
	}
	return nil
}
