package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-realtime-ledger/internal/events"
)

// Sink publishes envelopes through a Producer, keyed by correlation id so
// every event of one order (or one sku) stays on one partition.
type Sink struct {
	P *Producer
}

func (s Sink) Publish(_ context.Context, topic string, env events.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.P.Publish(kafka.Message{
		Topic: topic,
		Key:   events.PartitionKey(env.CorrelationID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(env.EventType)},
			{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
		},
	})
}
