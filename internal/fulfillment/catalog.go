package fulfillment

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
)

// Product is the sellable view of one SKU.
type Product struct {
	SKU        ledger.SKU `json:"sku"`
	Name       string     `json:"name"`
	CategoryID string     `json:"category_id"`
	UnitPrice  int64      `json:"unit_price"`
	Active     bool       `json:"active"`
}

// Catalog prices order lines server side; request prices are never used.
type Catalog interface {
	Lookup(ctx context.Context, skus []ledger.SKU) (map[ledger.SKU]Product, error)
}

type UnknownProductError struct{ SKU ledger.SKU }

func (e *UnknownProductError) Error() string    { return fmt.Sprintf("product %s is not for sale", e.SKU) }
func (e *UnknownProductError) Kind() fault.Kind { return fault.KindValidation }

type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[ledger.SKU]Product
}

func NewMemoryCatalog(ps ...Product) *MemoryCatalog {
	c := &MemoryCatalog{products: make(map[ledger.SKU]Product)}
	for _, p := range ps {
		_ = c.Put(context.Background(), p)
	}
	return c
}

func (c *MemoryCatalog) Put(_ context.Context, p Product) error {
	if err := p.SKU.Validate(); err != nil {
		return err
	}
	if p.UnitPrice < 0 {
		return fault.Validation("product %s: negative price", p.SKU)
	}
	c.mu.Lock()
	c.products[p.SKU] = p
	c.mu.Unlock()
	return nil
}

func (c *MemoryCatalog) Lookup(_ context.Context, skus []ledger.SKU) (map[ledger.SKU]Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[ledger.SKU]Product, len(skus))
	for _, sku := range skus {
		p, ok := c.products[sku]
		if !ok || !p.Active {
			return nil, &UnknownProductError{SKU: sku}
		}
		out[sku] = p
	}
	return out, nil
}
