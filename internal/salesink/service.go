// Package salesink journals finalized sales from the sale topic into
// Postgres. Delivery is at least once; event ids and the reservation
// primary key both absorb redelivery.
package salesink

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/zacdoteth/clawdrip/internal/drops"
	"github.com/zacdoteth/clawdrip/internal/kafka"
)

const ServiceName = "salesink"

type Recorder interface {
	Record(ctx context.Context, sale drops.Sale) (bool, error)
}

type Dedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type Service struct {
	Sales  Recorder
	Dedup  Dedup
	Logger *zap.Logger
}

// HandleSaleFinalized is installed as the consumer handler.
func (s *Service) HandleSaleFinalized(ctx context.Context, m kafkago.Message) error {
	env, err := kafka.DecodeEnvelope(m.Value)
	if err != nil {
		// Poison message: nothing a retry can fix.
		s.Logger.Error("dropping undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != drops.EventSaleFinalized {
		return nil
	}

	if seen, err := s.Dedup.Seen(ctx, env.EventID); err != nil {
		s.Logger.Warn("dedup lookup failed, relying on sales key", zap.String("event_id", env.EventID), zap.Error(err))
	} else if seen {
		return nil
	}

	p, err := kafka.UnwrapPayload[drops.SaleFinalizedPayload](env.Payload)
	if err != nil {
		s.Logger.Error("dropping bad sale payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	inserted, err := s.Sales.Record(ctx, p.Sale)
	if err != nil {
		return fmt.Errorf("record sale %s: %w", p.ReservationID, err)
	}
	if err := s.Dedup.Mark(ctx, env.EventID); err != nil {
		s.Logger.Warn("dedup mark failed", zap.String("event_id", env.EventID), zap.Error(err))
	}
	if inserted {
		s.Logger.Info("sale recorded",
			zap.String("reservation_id", p.ReservationID),
			zap.String("drop_id", p.DropID),
			zap.Int64("price_cents", p.PriceCents),
			zap.Int64("loyalty_earned", p.LoyaltyEarned),
			zap.String("trace_id", env.TraceID))
	}
	return nil
}
