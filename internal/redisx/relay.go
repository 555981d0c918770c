package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

const defaultRelayBuffer = 1024

// Local is the in-process broadcaster the relay feeds.
type Local interface {
	Publish(s drops.Supply)
	RecordSale(s drops.Supply, at time.Time)
}

type relayMessage struct {
	Origin string       `json:"origin"`
	Sale   bool         `json:"sale,omitempty"`
	At     time.Time    `json:"at"`
	Supply drops.Supply `json:"supply"`
}

// FeedRelay shares supply snapshots between API instances over Redis
// Pub/Sub. Local publishes reach the local broadcaster at once and are
// queued for Redis; snapshots from other instances are replayed locally.
// The broadcaster drops anything not newer than what it has seen.
type FeedRelay struct {
	rdb    *redis.Client
	local  Local
	origin string
	logger *zap.Logger

	out     chan relayMessage
	dropped atomic.Int64
}

func NewFeedRelay(rdb *redis.Client, local Local, origin string, logger *zap.Logger) *FeedRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedRelay{
		rdb:    rdb,
		local:  local,
		origin: origin,
		logger: logger,
		out:    make(chan relayMessage, defaultRelayBuffer),
	}
}

func (r *FeedRelay) Publish(s drops.Supply) {
	r.local.Publish(s)
	r.enqueue(relayMessage{Origin: r.origin, At: s.At, Supply: s})
}

func (r *FeedRelay) RecordSale(s drops.Supply, at time.Time) {
	r.local.RecordSale(s, at)
	r.enqueue(relayMessage{Origin: r.origin, Sale: true, At: at, Supply: s})
}

func (r *FeedRelay) enqueue(m relayMessage) {
	select {
	case r.out <- m:
	default:
		r.dropped.Inc()
		r.logger.Warn("feed relay queue full, snapshot not shared", zap.String("drop_id", m.Supply.DropID))
	}
}

// Dropped counts snapshots that never made it to Redis.
func (r *FeedRelay) Dropped() int64 { return r.dropped.Load() }

// Run pumps outgoing snapshots and replays incoming ones until ctx ends.
func (r *FeedRelay) Run(ctx context.Context) error {
	sub := r.rdb.PSubscribe(ctx, ChannelSupplyPattern)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info("feed relay subscribed", zap.String("pattern", ChannelSupplyPattern), zap.String("origin", r.origin))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case m := <-r.out:
				b, err := json.Marshal(m)
				if err != nil {
					r.logger.Error("marshal relay message", zap.Error(err))
					continue
				}
				if err := r.rdb.Publish(ctx, SupplyChannel(m.Supply.DropID), b).Err(); err != nil && !errors.Is(err, context.Canceled) {
					r.logger.Warn("publish supply snapshot", zap.String("drop_id", m.Supply.DropID), zap.Error(err))
				}
			}
		}
	})
	g.Go(func() error {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				r.handle(msg.Payload)
			}
		}
	})
	return g.Wait()
}

func (r *FeedRelay) handle(payload string) {
	var m relayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		r.logger.Warn("bad relay message", zap.Error(err))
		return
	}
	if m.Origin == r.origin || m.Supply.DropID == "" {
		return
	}
	if m.Sale {
		r.local.RecordSale(m.Supply, m.At)
		return
	}
	r.local.Publish(m.Supply)
}
