package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Sink delivers an envelope to some side channel (Kafka, Redis, logs).
type Sink interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

type SinkFunc func(ctx context.Context, topic string, env Envelope) error

func (f SinkFunc) Publish(ctx context.Context, topic string, env Envelope) error {
	return f(ctx, topic, env)
}

// Multi fans out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, topic string, env Envelope) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, topic, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every envelope as a debug line.
type LogSink struct{ Log zerolog.Logger }

func (s LogSink) Publish(_ context.Context, topic string, env Envelope) error {
	s.Log.Debug().
		Str("topic", topic).
		Str("event_type", env.EventType).
		Str("correlation_id", env.CorrelationID).
		RawJSON("payload", env.Payload).
		Msg("event")
	return nil
}

// Recorder keeps envelopes in memory. Handy in tests and local runs.
type Recorder struct {
	mu   sync.Mutex
	sent []Recorded
}

type Recorded struct {
	Topic    string
	Envelope Envelope
}

func (r *Recorder) Publish(_ context.Context, topic string, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Recorded{Topic: topic, Envelope: env})
	return nil
}

func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.sent...)
}

// Types returns the event types published to topic, in order.
func (r *Recorder) Types(topic string) []string {
	var out []string
	for _, e := range r.Events() {
		if e.Topic == topic {
			out = append(out, e.Envelope.EventType)
		}
	}
	return out
}

// TraceID is the id of the OpenTelemetry trace ctx belongs to, empty outside
// a trace.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type deferredKey struct{}

type deferred struct {
	mu    sync.Mutex
	sends []func()
}

// Deferred returns a context under which Emit queues events instead of
// delivering them, and a flush that delivers the queue in order. Callers
// take it before a lock and flush after unlocking, so nested components
// never publish while the lock is held. Under an existing Deferred context
// flush is a no-op and the outermost caller delivers.
func Deferred(ctx context.Context) (context.Context, func()) {
	if _, ok := ctx.Value(deferredKey{}).(*deferred); ok {
		return ctx, func() {}
	}
	d := &deferred{}
	return context.WithValue(ctx, deferredKey{}, d), func() {
		d.mu.Lock()
		sends := d.sends
		d.sends = nil
		d.mu.Unlock()
		for _, send := range sends {
			send()
		}
	}
}

// Emitter wraps a sink for fire-and-forget use: delivery failures are logged,
// never returned. A nil *Emitter drops everything.
type Emitter struct {
	sink     Sink
	producer string
	log      zerolog.Logger
	now      func() time.Time
}

func NewEmitter(sink Sink, producer string, log zerolog.Logger) *Emitter {
	return &Emitter{sink: sink, producer: producer, log: log, now: time.Now}
}

func (e *Emitter) Emit(ctx context.Context, topic, eventType, correlationID string, payload any) {
	if e == nil || e.sink == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		e.log.Warn().Err(err).Str("event_type", eventType).Msg("encode event payload")
		return
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    e.now().UTC(),
		Producer:      e.producer,
		TraceID:       TraceID(ctx),
		CorrelationID: correlationID,
		Payload:       body,
	}
	if d, ok := ctx.Value(deferredKey{}).(*deferred); ok {
		d.mu.Lock()
		d.sends = append(d.sends, func() { e.publish(ctx, topic, env) })
		d.mu.Unlock()
		return
	}
	e.publish(ctx, topic, env)
}

func (e *Emitter) publish(ctx context.Context, topic string, env Envelope) {
	// the side channel must not inherit the caller's deadline
	if err := e.sink.Publish(context.WithoutCancel(ctx), topic, env); err != nil {
		e.log.Warn().Err(err).
			Str("topic", topic).
			Str("event_type", env.EventType).
			Str("correlation_id", env.CorrelationID).
			Msg("publish event")
	}
}
