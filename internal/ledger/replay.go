package ledger

import (
	"fmt"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

// Replay folds a SKU's movement log, oldest first, into the level it implies.
// It fails if the log breaks its own snapshots or sequence.
func Replay(sku SKU, log []Movement) (StockLevel, error) {
	lvl := StockLevel{SKU: sku}
	for i, m := range log {
		if m.Sequence != lvl.Version+1 {
			return lvl, fault.Invariant("replay %s: movement %s has sequence %d, expected %d", sku, m.ID, m.Sequence, lvl.Version+1)
		}
		if m.BalanceBefore != lvl.Quantity || m.ReservedBefore != lvl.Reserved {
			return lvl, fault.Invariant("replay %s: movement #%d (%s) snapshot %d/%d does not match replayed %d/%d",
				sku, i, m.ID, m.BalanceBefore, m.ReservedBefore, lvl.Quantity, lvl.Reserved)
		}
		lvl.Quantity += m.QuantityEffect()
		lvl.Reserved += m.ReservedEffect()
		if m.BalanceAfter != lvl.Quantity || m.ReservedAfter != lvl.Reserved {
			return lvl, fault.Invariant("replay %s: movement #%d (%s) after-snapshot %d/%d does not match replayed %d/%d",
				sku, i, m.ID, m.BalanceAfter, m.ReservedAfter, lvl.Quantity, lvl.Reserved)
		}
		lvl.Version = m.Sequence
		lvl.UpdatedAt = m.CreatedAt
	}
	lvl.Available = lvl.Quantity - lvl.Reserved
	return lvl, nil
}

// Drift compares the cached level against the replayed log.
type Drift struct {
	SKU      SKU        `json:"sku"`
	Cached   StockLevel `json:"cached"`
	Replayed StockLevel `json:"replayed"`
}

func (d Drift) Clean() bool {
	return d.Cached.Quantity == d.Replayed.Quantity &&
		d.Cached.Reserved == d.Replayed.Reserved &&
		d.Cached.Version == d.Replayed.Version
}

func (d Drift) String() string {
	return fmt.Sprintf("%s cached q=%d r=%d v=%d replayed q=%d r=%d v=%d", d.SKU,
		d.Cached.Quantity, d.Cached.Reserved, d.Cached.Version,
		d.Replayed.Quantity, d.Replayed.Reserved, d.Replayed.Version)
}
