package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message is done and its offset may be
// committed.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	r       *kafka.Reader
	workers int
	logger  *zap.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{r: r, workers: workers, logger: logger.With(zap.String("topic", topic), zap.String("group", group))}
}

// Start fetches until ctx ends, fanning messages out to workers. Offsets
// are committed only after the handler succeeds.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make(chan kafka.Message, 1024)
	errs := make(chan error, c.workers)

	for i := 0; i < c.workers; i++ {
		go func(id int) {
			for m := range jobs {
				if err := h(ctx, m); err != nil {
					c.logger.Warn("handler failed",
						zap.Int("worker", id), zap.Int64("offset", m.Offset), zap.ByteString("key", m.Key), zap.Error(err))
					select {
					case errs <- err:
					default:
					}
					continue
				}
				if err := c.r.CommitMessages(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
					c.logger.Warn("commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
				}
			}
		}(i)
	}

	c.logger.Info("consumer started", zap.Int("workers", c.workers))
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			close(jobs)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			close(jobs)
			return nil
		}

		// Back off briefly after a failure so a poisoned dependency is not hammered.
		select {
		case <-errs:
			time.Sleep(200 * time.Millisecond)
		default:
		}
	}
}
