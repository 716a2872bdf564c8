package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

var (
	ErrInboxFull = errors.New("kafka: producer inbox full")
	ErrClosed    = errors.New("kafka: producer closed")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer queues messages and writes them from one goroutine. Publish never
// blocks: a full inbox drops the message and says so.
type Producer struct {
	w       messageWriter
	log     zerolog.Logger
	inbox   chan kafka.Message
	closeCh chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewProducer writes to whatever topic each message names.
func NewProducer(brokers []string, buf int, log zerolog.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}, buf, log)
}

func newProducer(w messageWriter, buf int, log zerolog.Logger) *Producer {
	if buf <= 0 {
		buf = 1
	}
	return &Producer{
		w:       w,
		log:     log,
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		p.Close()
	}()
	go func() {
		defer close(p.closeCh)
		for m := range p.inbox {
			// flush even after ctx is done
			if err := p.w.WriteMessages(context.Background(), m); err != nil {
				p.log.Warn().Err(err).Str("topic", m.Topic).Str("key", string(m.Key)).Msg("kafka write")
			}
		}
		if err := p.w.Close(); err != nil {
			p.log.Warn().Err(err).Msg("kafka writer close")
		}
	}()
}

func (p *Producer) Publish(m kafka.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	select {
	case p.inbox <- m:
		return nil
	default:
		return ErrInboxFull
	}
}

// Close stops intake; the writer goroutine flushes what is queued and exits.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
}

// WaitClosed blocks until the queue is flushed.
func (p *Producer) WaitClosed() { <-p.closeCh }
