package kafka

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-realtime-ledger/internal/events"
	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/gateway"
	"github.com/ariefcatur/go-realtime-ledger/internal/orders"
)

type CallbackTarget interface {
	HandleGatewayCallback(ctx context.Context, cb gateway.Callback) (orders.Order, error)
}

// Deduper remembers handled event ids.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// CallbackService consumes payments.callbacks and settles payments.
type CallbackService struct {
	Target CallbackTarget
	Dedup  Deduper // optional
	Log    zerolog.Logger
}

// Handle is meant to be passed to Consumer.Start. Business rejections (a
// callback for a payment that already moved on) are acked; only failures
// worth a retry are returned.
func (s *CallbackService) Handle(ctx context.Context, m kafka.Message) error {
	env, err := DecodeEnvelope(m.Value)
	if err != nil {
		s.Log.Warn().Err(err).Int64("offset", m.Offset).Msg("drop undecodable callback")
		return nil
	}
	if env.EventType != events.EventPaymentCallback {
		return nil
	}

	if s.Dedup != nil {
		seen, err := s.Dedup.Seen(ctx, env.EventID)
		if err != nil {
			s.Log.Warn().Err(err).Str("event_id", env.EventID).Msg("dedup lookup, processing anyway")
		}
		if seen {
			return nil
		}
	}

	p, err := UnwrapPayload[events.CallbackPayload](env.Payload)
	if err != nil {
		s.Log.Warn().Err(err).Str("event_id", env.EventID).Msg("drop callback with bad payload")
		return nil
	}
	cb := gateway.Callback{ExternalRef: p.ExternalRef, Outcome: p.Outcome, GatewayRef: p.GatewayRef, Reason: p.Reason}

	_, err = s.Target.HandleGatewayCallback(ctx, cb)
	switch fault.KindOf(err) {
	case fault.KindUnknown, fault.KindExternal:
		if err != nil {
			return fmt.Errorf("callback %s: %w", env.EventID, err)
		}
	default:
		s.Log.Info().Err(err).Str("event_id", env.EventID).Str("external_ref", cb.ExternalRef).Msg("callback rejected")
	}

	if s.Dedup != nil {
		if err := s.Dedup.Mark(ctx, env.EventID); err != nil {
			s.Log.Warn().Err(err).Str("event_id", env.EventID).Msg("dedup mark")
		}
	}
	return nil
}
