package fulfillment

import (
	"context"
	"time"
)

const reasonHoldExpired = "hold expired"

// ExpireStale cancels pending orders older than the hold TTL that were never
// paid, handing their held stock back. It returns how many it cancelled.
func (o *Orchestrator) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := o.Orders.Stale(ctx, now.Add(-o.holdTTL))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ord := range stale {
		if ord.PaymentStatus.Refundable() {
			continue
		}
		if _, err := o.CancelOrder(ctx, ord.ID, reasonHoldExpired); err != nil {
			o.log.Warn().Err(err).Str("order_id", ord.ID).Msg("expire stale order")
			continue
		}
		n++
	}
	if n > 0 {
		o.log.Info().Int("cancelled", n).Msg("stale orders expired")
	}
	return n, ctx.Err()
}

// RunExpiry calls ExpireStale every interval until ctx is done.
func (o *Orchestrator) RunExpiry(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := o.ExpireStale(ctx, o.now()); err != nil && ctx.Err() == nil {
				o.log.Error().Err(err).Msg("expiry pass")
			}
		}
	}
}
