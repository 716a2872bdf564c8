package coupon

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-realtime-ledger/internal/keylock"
)

// Redemption is one committed use of a coupon by one order.
type Redemption struct {
	Code           string
	CustomerID     string
	OrderID        string
	TotalCap       int // 0 = unlimited
	PerCustomerCap int // 0 = unlimited
}

// UsageCounter is a key-addressed counter store: one logical cell per coupon
// code. Redeem is an atomic check-and-increment that is idempotent per
// OrderID; Revoke undoes it.
type UsageCounter interface {
	Usage(ctx context.Context, code string) (int, error)
	CustomerUsage(ctx context.Context, code, customerID string) (int, error)
	Redeem(ctx context.Context, r Redemption) error
	Revoke(ctx context.Context, code, orderID string) error
}

type redeemed struct {
	customerID string
}

type MemoryCounter struct {
	locks *keylock.Map

	mu          sync.Mutex
	usage       map[string]int
	perCustomer map[[2]string]int
	orders      map[[2]string]redeemed
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		locks:       keylock.New(),
		usage:       make(map[string]int),
		perCustomer: make(map[[2]string]int),
		orders:      make(map[[2]string]redeemed),
	}
}

func (c *MemoryCounter) Usage(_ context.Context, code string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage[Normalize(code)], nil
}

func (c *MemoryCounter) CustomerUsage(_ context.Context, code, customerID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perCustomer[[2]string{Normalize(code), customerID}], nil
}

func (c *MemoryCounter) Redeem(ctx context.Context, r Redemption) error {
	code := Normalize(r.Code)
	unlock, err := c.locks.Lock(ctx, code)
	if err != nil {
		return err
	}
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.orders[[2]string{code, r.OrderID}]; ok {
		return nil
	}
	if r.TotalCap > 0 && c.usage[code] >= r.TotalCap {
		return &UsageLimitExceededError{Code: code, Scope: ScopeGlobal, Cap: r.TotalCap}
	}
	ck := [2]string{code, r.CustomerID}
	if r.PerCustomerCap > 0 && c.perCustomer[ck] >= r.PerCustomerCap {
		return &UsageLimitExceededError{Code: code, Scope: ScopeCustomer, Cap: r.PerCustomerCap}
	}
	c.usage[code]++
	c.perCustomer[ck]++
	c.orders[[2]string{code, r.OrderID}] = redeemed{customerID: r.CustomerID}
	return nil
}

func (c *MemoryCounter) Revoke(ctx context.Context, code, orderID string) error {
	code = Normalize(code)
	unlock, err := c.locks.Lock(ctx, code)
	if err != nil {
		return err
	}
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	key := [2]string{code, orderID}
	rd, ok := c.orders[key]
	if !ok {
		return nil
	}
	delete(c.orders, key)
	c.usage[code]--
	c.perCustomer[[2]string{code, rd.customerID}]--
	return nil
}
