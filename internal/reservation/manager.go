// Package reservation turns order line items into stock holds on the ledger
// and later releases or commits them.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-realtime-ledger/internal/events"
	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/keylock"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
)

// StockLedger is the slice of the ledger the manager writes through.
type StockLedger interface {
	RecordMovement(ctx context.Context, req ledger.MovementRequest) (ledger.Movement, error)
}

type Manager struct {
	ledger  StockLedger
	store   Store
	locks   *keylock.Map
	events  *events.Emitter
	log     zerolog.Logger
	now     func() time.Time
	newID   func() string
	timeout time.Duration
}

type Option func(*Manager)

func WithEmitter(e *events.Emitter) Option  { return func(m *Manager) { m.events = e } }
func WithLogger(log zerolog.Logger) Option  { return func(m *Manager) { m.log = log } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithCompensationTimeout bounds release and rollback work, which runs
// detached from the caller's context.
func WithCompensationTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

func NewManager(l StockLedger, store Store, opts ...Option) *Manager {
	m := &Manager{
		ledger:  l,
		store:   store,
		locks:   keylock.New(),
		log:     zerolog.Nop(),
		now:     time.Now,
		newID:   uuid.NewString,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hold reserves every line or nothing. On the first line that cannot be
// reserved, earlier lines are rolled back and a StockUnavailableError naming
// that line is returned. Holding an order that already has open holds
// returns them unchanged.
func (m *Manager) Hold(ctx context.Context, orderID string, items []LineItem) ([]Reservation, error) {
	if orderID == "" {
		return nil, fault.Validation("hold: order id is required")
	}
	lines, err := normalise(items)
	if err != nil {
		return nil, err
	}

	ctx, flush := events.Deferred(ctx)
	defer flush()
	unlock, err := m.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := m.store.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list reservations %s: %w", orderID, err)
	}
	if open := filter(existing, StatusHeld); len(open) > 0 {
		return open, nil
	}
	if len(filter(existing, StatusCommitted)) > 0 {
		return nil, fault.Invariant("hold: order %s already committed its stock", orderID)
	}

	now := m.now().UTC()
	held := make([]Reservation, 0, len(lines))
	for _, line := range lines {
		mv, err := m.ledger.RecordMovement(ctx, ledger.MovementRequest{
			SKU:       line.SKU,
			Type:      ledger.Reservation,
			Delta:     line.Quantity,
			Reason:    ledger.ReasonOrderHold,
			OriginRef: orderID,
		})
		if err != nil {
			m.rollback(ctx, orderID, held)
			if ise, ok := ledger.IsInsufficientStock(err); ok {
				return nil, &StockUnavailableError{
					OrderID:   orderID,
					SKU:       line.SKU,
					Requested: line.Quantity,
					Available: ise.Available,
					Err:       err,
				}
			}
			return nil, fmt.Errorf("hold %s for order %s: %w", line.SKU, orderID, err)
		}
		held = append(held, Reservation{
			ID:             m.newID(),
			OrderID:        orderID,
			SKU:            line.SKU,
			Quantity:       line.Quantity,
			Status:         StatusHeld,
			HoldMovementID: mv.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := m.store.Insert(ctx, held); err != nil {
		m.rollback(ctx, orderID, held)
		return nil, fmt.Errorf("save reservations %s: %w", orderID, err)
	}
	for _, r := range held {
		m.emit(ctx, r)
	}
	return held, nil
}

// Release returns every open hold of the order to available stock. It is
// idempotent and keeps going after a failed line so that a replay finishes
// the job.
func (m *Manager) Release(ctx context.Context, orderID string) error {
	return m.settle(ctx, orderID, StatusReleased)
}

// Commit turns every open hold into a permanent outbound movement.
func (m *Manager) Commit(ctx context.Context, orderID string) error {
	return m.settle(ctx, orderID, StatusCommitted)
}

// Open lists the order's holds that are still in effect.
func (m *Manager) Open(ctx context.Context, orderID string) ([]Reservation, error) {
	rs, err := m.store.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return filter(rs, StatusHeld), nil
}

func (m *Manager) List(ctx context.Context, orderID string) ([]Reservation, error) {
	return m.store.ListByOrder(ctx, orderID)
}

func (m *Manager) settle(ctx context.Context, orderID string, to Status) error {
	if orderID == "" {
		return fault.Validation("%s: order id is required", to)
	}
	if to == StatusReleased {
		var cancel context.CancelFunc
		ctx, cancel = m.detached(ctx)
		defer cancel()
	}

	ctx, flush := events.Deferred(ctx)
	defer flush()
	unlock, err := m.locks.Lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	all, err := m.store.ListByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("list reservations %s: %w", orderID, err)
	}
	open := filter(all, StatusHeld)
	if len(open) == 0 {
		// committing an order that never held anything is a caller bug;
		// replaying a finished commit is not
		if to == StatusCommitted && len(filter(all, StatusCommitted)) == 0 {
			err := &ReservationNotFoundError{OrderID: orderID}
			m.log.Error().Err(err).Bool("invariant", true).Str("order_id", orderID).Msg("commit without reservation")
			return err
		}
		return nil
	}

	var errs []error
	for _, r := range open {
		req := ledger.MovementRequest{SKU: r.SKU, OriginRef: orderID}
		if to == StatusCommitted {
			req.Type, req.Delta, req.Reason, req.FromReservation = ledger.Outbound, -r.Quantity, ledger.ReasonOrderCommit, true
		} else {
			req.Type, req.Delta, req.Reason = ledger.Reservation, -r.Quantity, ledger.ReasonHoldRelease
		}
		mv, err := m.ledger.RecordMovement(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", to, r.SKU, err))
			continue
		}
		if err := m.store.UpdateStatus(ctx, r.ID, StatusHeld, to, mv.ID, m.now().UTC()); err != nil {
			errs = append(errs, fmt.Errorf("mark %s %s: %w", r.ID, to, err))
			continue
		}
		r.Status = to
		m.emit(ctx, r)
	}
	if err := errors.Join(errs...); err != nil {
		m.log.Error().Err(err).Str("order_id", orderID).Str("action", string(to)).Msg("reservation settle incomplete")
		return err
	}
	return nil
}

func (m *Manager) rollback(ctx context.Context, orderID string, held []Reservation) {
	ctx, cancel := m.detached(ctx)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		r := held[i]
		_, err := m.ledger.RecordMovement(ctx, ledger.MovementRequest{
			SKU:       r.SKU,
			Type:      ledger.Reservation,
			Delta:     -r.Quantity,
			Reason:    ledger.ReasonHoldRollback,
			OriginRef: orderID,
		})
		if err != nil {
			m.log.Error().Err(err).Bool("invariant", true).
				Str("order_id", orderID).Str("sku", r.SKU.String()).Int("qty", r.Quantity).
				Msg("hold rollback failed, stock stays reserved")
		}
	}
}

func (m *Manager) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
}

func (m *Manager) emit(ctx context.Context, r Reservation) {
	m.events.Emit(ctx, events.TopicReservationChanges, events.EventReservationChanged, r.OrderID, events.ReservationPayload{
		OrderID:       r.OrderID,
		ReservationID: r.ID,
		SKU:           r.SKU.String(),
		Qty:           r.Quantity,
		Status:        string(r.Status),
	})
}

func filter(rs []Reservation, st Status) []Reservation {
	var out []Reservation
	for _, r := range rs {
		if r.Status == st {
			out = append(out, r)
		}
	}
	return out
}
