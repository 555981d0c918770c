package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer queues messages in memory and writes them from one goroutine.
// Publish never blocks: when the queue is full the message is dropped and
// counted.
type Producer struct {
	w       messageWriter
	inbox   chan kafka.Message
	closeCh chan struct{}
	logger  *zap.Logger
	dropped atomic.Int64
}

// NewProducer writes to whatever topic each message names, so one producer
// serves both the lifecycle and the sale topics.
func NewProducer(brokers []string, buf int, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka write failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return newProducer(w, buf, logger)
}

func newProducer(w messageWriter, buf int, logger *zap.Logger) *Producer {
	if buf <= 0 {
		buf = 1024
	}
	return &Producer{
		w:       w,
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
		logger:  logger,
	}
}

// Start runs the write loop. When ctx ends it flushes what is queued, closes
// the writer and releases WaitClosed.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				p.flush()
				if err := p.w.Close(); err != nil {
					p.logger.Warn("close kafka writer", zap.Error(err))
				}
				return
			case m := <-p.inbox:
				p.write(context.Background(), m)
			}
		}
	}()
}

func (p *Producer) flush() {
	for {
		select {
		case m := <-p.inbox:
			p.write(context.Background(), m)
		default:
			return
		}
	}
}

func (p *Producer) write(ctx context.Context, m kafka.Message) {
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.logger.Error("kafka publish failed",
			zap.String("topic", m.Topic), zap.ByteString("key", m.Key), zap.Error(err))
	}
}

func (p *Producer) Publish(topic string, key, value []byte, headers ...kafka.Header) {
	m := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	select {
	case p.inbox <- m:
	default:
		p.dropped.Inc()
		p.logger.Warn("kafka queue full, message dropped", zap.String("topic", topic), zap.ByteString("key", key))
	}
}

func (p *Producer) Dropped() int64 { return p.dropped.Load() }

// WaitClosed blocks until the write loop has flushed and exited.
func (p *Producer) WaitClosed() { <-p.closeCh }
