// Package ledger owns per-SKU stock levels and the append-only movement log
// they are derived from.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-realtime-ledger/internal/events"
	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/keylock"
	"github.com/ariefcatur/go-realtime-ledger/internal/metrics"
)

type Ledger struct {
	store      Store
	locks      *keylock.Map
	thresholds Thresholds
	events     *events.Emitter
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
	newID      func() string
}

type Option func(*Ledger)

func WithThresholds(t Thresholds) Option     { return func(l *Ledger) { l.thresholds = t } }
func WithEmitter(e *events.Emitter) Option   { return func(l *Ledger) { l.events = e } }
func WithMetrics(m *metrics.Metrics) Option  { return func(l *Ledger) { l.metrics = m } }
func WithLogger(log zerolog.Logger) Option   { return func(l *Ledger) { l.log = log } }
func WithClock(now func() time.Time) Option  { return func(l *Ledger) { l.now = now } }
func WithIDGenerator(f func() string) Option { return func(l *Ledger) { l.newID = f } }

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		locks:      keylock.New(),
		thresholds: DefaultThresholds,
		log:        zerolog.Nop(),
		now:        time.Now,
		newID:      newMovementID,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// movement ids sort by creation time
func newMovementID() string { return ulid.Make().String() }

// RecordMovement applies one movement to its SKU and returns it with the
// before/after snapshots captured in the same write.
func (l *Ledger) RecordMovement(ctx context.Context, req MovementRequest) (Movement, error) {
	if err := req.validate(); err != nil {
		return Movement{}, err
	}
	return l.mutate(ctx, req.SKU, req.Type, func(StockLevel) (MovementRequest, error) {
		return req, nil
	})
}

// Adjust sets on-hand quantity to newQuantity (a stocktake correction). A
// decrease is allowed below current availability but never below what is
// reserved.
func (l *Ledger) Adjust(ctx context.Context, sku SKU, newQuantity int, reason, note string) (Movement, error) {
	if err := sku.Validate(); err != nil {
		return Movement{}, err
	}
	if newQuantity < 0 {
		return Movement{}, fault.Validation("adjust %s: quantity must not be negative, got %d", sku, newQuantity)
	}
	if reason == "" {
		reason = ReasonStocktake
	}
	return l.mutate(ctx, sku, Adjustment, func(cur StockLevel) (MovementRequest, error) {
		return MovementRequest{
			SKU:    sku,
			Type:   Adjustment,
			Delta:  newQuantity - cur.Quantity,
			Reason: reason,
			Note:   note,
		}, nil
	})
}

// Level is a pure read of the current aggregate.
func (l *Ledger) Level(ctx context.Context, sku SKU) (StockLevel, error) {
	if err := sku.Validate(); err != nil {
		return StockLevel{}, err
	}
	lvl, err := l.store.Level(ctx, sku)
	if err != nil {
		return StockLevel{}, fmt.Errorf("load level %s: %w", sku, err)
	}
	return l.decorate(lvl), nil
}

func (l *Ledger) Movements(ctx context.Context, sku SKU) ([]Movement, error) {
	if err := sku.Validate(); err != nil {
		return nil, err
	}
	return l.store.Movements(ctx, sku)
}

// Verify replays the SKU's log and compares it with the cached level.
func (l *Ledger) Verify(ctx context.Context, sku SKU) (Drift, error) {
	unlock, err := l.locks.Lock(ctx, sku.String())
	if err != nil {
		return Drift{}, err
	}
	defer unlock()
	return l.verifyLocked(ctx, sku)
}

// Rebuild overwrites the cached level with the replayed one.
func (l *Ledger) Rebuild(ctx context.Context, sku SKU) (Drift, error) {
	unlock, err := l.locks.Lock(ctx, sku.String())
	if err != nil {
		return Drift{}, err
	}
	defer unlock()

	d, err := l.verifyLocked(ctx, sku)
	if err != nil || d.Clean() {
		return d, err
	}
	if err := l.store.PutLevel(ctx, d.Replayed); err != nil {
		return d, fmt.Errorf("rebuild %s: %w", sku, err)
	}
	l.log.Warn().Str("sku", sku.String()).Str("drift", d.String()).Msg("stock level rebuilt from movement log")
	return d, nil
}

func (l *Ledger) verifyLocked(ctx context.Context, sku SKU) (Drift, error) {
	cached, err := l.store.Level(ctx, sku)
	if err != nil {
		return Drift{}, err
	}
	log, err := l.store.Movements(ctx, sku)
	if err != nil {
		return Drift{}, err
	}
	replayed, err := Replay(sku, log)
	if err != nil {
		return Drift{}, err
	}
	return Drift{SKU: sku, Cached: l.decorate(cached), Replayed: l.decorate(replayed)}, nil
}

// mutate writes one movement under the SKU lock. Logging, metrics and the
// event go out after the lock is released.
func (l *Ledger) mutate(ctx context.Context, sku SKU, kind MovementType, build func(StockLevel) (MovementRequest, error)) (Movement, error) {
	mv, lvl, err := l.apply(ctx, sku, build)
	if err != nil {
		l.metrics.Rejection(string(kind))
		if fault.Is(err, fault.KindInvariant) {
			l.log.Error().Err(err).Bool("invariant", true).Str("sku", sku.String()).Msg("ledger invariant violated")
		} else {
			l.log.Info().Err(err).Str("sku", sku.String()).Str("type", string(kind)).Msg("movement rejected")
		}
		return Movement{}, err
	}

	l.metrics.Movement(string(mv.Type))
	l.log.Debug().
		Str("sku", sku.String()).
		Str("type", string(mv.Type)).
		Int("delta", mv.Delta).
		Int("quantity", lvl.Quantity).
		Int("reserved", lvl.Reserved).
		Str("origin", mv.OriginRef).
		Msg("movement recorded")
	l.events.Emit(ctx, events.TopicLedgerMovements, events.EventStockMovementRecorded, sku.String(), events.MovementPayload{
		MovementID:     mv.ID,
		ProductID:      sku.ProductID,
		VariantID:      sku.VariantID,
		Type:           string(mv.Type),
		Delta:          mv.Delta,
		BalanceBefore:  mv.BalanceBefore,
		BalanceAfter:   mv.BalanceAfter,
		ReservedBefore: mv.ReservedBefore,
		ReservedAfter:  mv.ReservedAfter,
		Reason:         mv.Reason,
		OriginRef:      mv.OriginRef,
		At:             mv.CreatedAt,
	})
	return mv, nil
}

func (l *Ledger) apply(ctx context.Context, sku SKU, build func(StockLevel) (MovementRequest, error)) (Movement, StockLevel, error) {
	unlock, err := l.locks.Lock(ctx, sku.String())
	if err != nil {
		return Movement{}, StockLevel{}, fmt.Errorf("lock %s: %w", sku, err)
	}
	defer unlock()

	return l.store.Apply(ctx, sku, func(cur StockLevel) (Movement, StockLevel, error) {
		req, err := build(cur)
		if err != nil {
			return Movement{}, cur, err
		}
		next, err := applyMovement(cur, req)
		if err != nil {
			return Movement{}, cur, err
		}
		now := l.now().UTC()
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		next.Available = next.Quantity - next.Reserved
		mv := Movement{
			ID:              l.newID(),
			SKU:             sku,
			Type:            req.Type,
			Delta:           req.Delta,
			BalanceBefore:   cur.Quantity,
			BalanceAfter:    next.Quantity,
			ReservedBefore:  cur.Reserved,
			ReservedAfter:   next.Reserved,
			FromReservation: req.FromReservation,
			Reason:          req.Reason,
			Note:            req.Note,
			OriginRef:       req.OriginRef,
			Sequence:        next.Version,
			CreatedAt:       now,
		}
		return mv, next, nil
	})
}

func (l *Ledger) decorate(lvl StockLevel) StockLevel {
	lvl.Available = lvl.Quantity - lvl.Reserved
	lvl.Status = l.thresholds.Classify(lvl.Available)
	return lvl
}

// applyMovement is the whole balance rule set. It never mutates cur.
func applyMovement(cur StockLevel, req MovementRequest) (StockLevel, error) {
	next := cur
	available := cur.Quantity - cur.Reserved

	switch req.Type {
	case Inbound, Return:
		next.Quantity += req.Delta

	case Outbound:
		n := -req.Delta
		if req.FromReservation {
			if cur.Reserved < n {
				return cur, &ReservationUnderflowError{SKU: cur.SKU, Requested: n, Reserved: cur.Reserved}
			}
			next.Reserved -= n
		} else if available < n {
			return cur, &InsufficientStockError{SKU: cur.SKU, Type: Outbound, Requested: n, Available: available}
		}
		next.Quantity -= n

	case Adjustment:
		next.Quantity += req.Delta
		if next.Quantity < 0 {
			return cur, fault.Validation("adjust %s: quantity would become %d", cur.SKU, next.Quantity)
		}
		if next.Quantity < cur.Reserved {
			return cur, &AdjustmentBelowReservedError{SKU: cur.SKU, NewQuantity: next.Quantity, Reserved: cur.Reserved}
		}

	case Reservation:
		if req.Delta > 0 && available < req.Delta {
			return cur, &InsufficientStockError{SKU: cur.SKU, Type: Reservation, Requested: req.Delta, Available: available}
		}
		if req.Delta < 0 && cur.Reserved < -req.Delta {
			return cur, &ReservationUnderflowError{SKU: cur.SKU, Requested: -req.Delta, Reserved: cur.Reserved}
		}
		next.Reserved += req.Delta

	default:
		return cur, fault.Validation("movement: unknown type %q", req.Type)
	}

	if next.Quantity < 0 || next.Reserved < 0 || next.Reserved > next.Quantity {
		return cur, fault.Invariant("movement on %s would leave quantity=%d reserved=%d", cur.SKU, next.Quantity, next.Reserved)
	}
	return next, nil
}

// IsInsufficientStock reports whether err carries an InsufficientStockError.
func IsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var ise *InsufficientStockError
	ok := errors.As(err, &ise)
	return ise, ok
}
