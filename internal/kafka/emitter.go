package kafka

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

// Emitter routes reservation envelopes to their topic, keyed by reservation
// id so every event of one hold lands on one partition in order.
type Emitter struct {
	p      *Producer
	logger *zap.Logger
}

func NewEmitter(p *Producer, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{p: p, logger: logger}
}

func (e *Emitter) Emit(_ context.Context, env drops.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("marshal envelope", zap.String("event_type", env.EventType), zap.Error(err))
		return
	}
	e.p.Publish(drops.TopicFor(env.EventType), drops.PartitionKey(env.CorrelationID), b, envelopeHeaders(env)...)
}
