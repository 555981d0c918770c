package feed

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

var (
	ErrSlowSubscriber = errors.New("subscriber too slow, dropped")
	ErrClosed         = errors.New("broadcaster closed")
)

const (
	DefaultSubscriberBuffer  = 64
	DefaultVelocityThreshold = 10
	DefaultVelocityWindow    = 5 * time.Minute
)

// SupplySource seeds the snapshot a new subscriber receives when the
// broadcaster has not yet seen any publish for that drop.
type SupplySource func(ctx context.Context, dropID string) (drops.Supply, error)

type Config struct {
	SubscriberBuffer  int
	VelocityThreshold int
	VelocityWindow    time.Duration
}

type Stats struct {
	Published   int64 `json:"published"`
	Stale       int64 `json:"stale"`
	Pruned      int64 `json:"pruned"`
	Subscribers int64 `json:"subscribers"`
	Drops       int64 `json:"drops"`
}

// Broadcaster fans supply snapshots out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full is pruned.
type Broadcaster struct {
	cfg    Config
	source SupplySource
	logger *zap.Logger

	drops  *xsync.Map[string, *dropState]
	nextID atomic.Uint64
	closed atomic.Bool

	published   atomic.Int64
	stale       atomic.Int64
	pruned      atomic.Int64
	subscribers atomic.Int64
}

type dropState struct {
	mu           sync.Mutex
	last         drops.Supply
	seen         bool
	soldOut      bool
	velocityHigh bool
	sales        []time.Time
	subs         map[uint64]*Subscription
}

func New(cfg Config, source SupplySource, logger *zap.Logger) *Broadcaster {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.VelocityThreshold <= 0 {
		cfg.VelocityThreshold = DefaultVelocityThreshold
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = DefaultVelocityWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		cfg:    cfg,
		source: source,
		logger: logger,
		drops:  xsync.NewMap[string, *dropState](),
	}
}

func (b *Broadcaster) state(dropID string) *dropState {
	if st, ok := b.drops.Load(dropID); ok {
		return st
	}
	st, _ := b.drops.LoadOrStore(dropID, &dropState{subs: make(map[uint64]*Subscription)})
	return st
}

// Publish delivers a snapshot to every subscriber of its drop. Snapshots
// older than the last one seen for the drop are discarded.
func (b *Broadcaster) Publish(s drops.Supply) {
	if b.closed.Load() {
		return
	}
	st := b.state(s.DropID)
	st.mu.Lock()
	defer st.mu.Unlock()
	b.publishLocked(st, s)
}

// RecordSale registers a committed sale in the rolling velocity window and
// publishes the accompanying snapshot.
func (b *Broadcaster) RecordSale(s drops.Supply, at time.Time) {
	if b.closed.Load() {
		return
	}
	st := b.state(s.DropID)
	st.mu.Lock()
	defer st.mu.Unlock()

	b.publishLocked(st, s)

	cutoff := at.Add(-b.cfg.VelocityWindow)
	st.sales = append(st.sales, at)
	kept := st.sales[:0]
	for _, t := range st.sales {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.sales = kept

	n := len(st.sales)
	switch {
	case n > b.cfg.VelocityThreshold && !st.velocityHigh:
		st.velocityHigh = true
		b.logger.Info("sales velocity alert",
			zap.String("drop_id", s.DropID),
			zap.Int("sales", n),
			zap.Duration("window", b.cfg.VelocityWindow))
		b.deliverLocked(st, Event{
			Kind:   KindVelocity,
			DropID: s.DropID,
			Supply: st.last,
			Velocity: &Velocity{
				Sales:     n,
				Threshold: b.cfg.VelocityThreshold,
				Window:    b.cfg.VelocityWindow,
				At:        at,
			},
		})
	case n <= b.cfg.VelocityThreshold:
		st.velocityHigh = false
	}
}

func (b *Broadcaster) publishLocked(st *dropState, s drops.Supply) {
	if st.seen && s.Version <= st.last.Version {
		b.stale.Inc()
		return
	}
	st.last = s
	st.seen = true
	b.published.Inc()

	b.deliverLocked(st, Event{Kind: KindSnapshot, DropID: s.DropID, Supply: s})

	if s.Remaining <= 0 {
		if !st.soldOut {
			st.soldOut = true
			b.logger.Info("drop sold out", zap.String("drop_id", s.DropID), zap.Int("sold", s.Sold))
			b.deliverLocked(st, Event{Kind: KindSoldOut, DropID: s.DropID, Supply: s})
		}
	} else {
		st.soldOut = false
	}
}

func (b *Broadcaster) deliverLocked(st *dropState, ev Event) {
	for id, sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(st.subs, id)
			sub.closeLocked(ErrSlowSubscriber)
			b.pruned.Inc()
			b.subscribers.Dec()
			b.logger.Warn("pruned slow feed subscriber",
				zap.String("drop_id", ev.DropID),
				zap.Uint64("subscriber", id))
		}
	}
}

// Subscribe registers a subscriber for one drop. The first event is always a
// snapshot of the current supply, delivered before any live event. A drop
// the broadcaster has not seen is looked up in the source first; unknown drops
// leave no state behind.
func (b *Broadcaster) Subscribe(ctx context.Context, dropID string) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	st, ok := b.drops.Load(dropID)
	if ok {
		st.mu.Lock()
		ok = st.seen
		st.mu.Unlock()
	}

	var (
		seed   drops.Supply
		seeded bool
	)
	if !ok {
		if b.source == nil {
			return nil, drops.ErrDropNotFound
		}
		s, err := b.source(ctx, dropID)
		if err != nil {
			return nil, err
		}
		seed, seeded = s, true
		st = b.state(dropID)
	}

	sub := &Subscription{
		id:     b.nextID.Inc(),
		dropID: dropID,
		ch:     make(chan Event, b.cfg.SubscriberBuffer),
		b:      b,
		st:     st,
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	// Close may have swept this drop while the source was consulted.
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if seeded && (!st.seen || seed.Version > st.last.Version) {
		st.last = seed
		st.seen = true
		st.soldOut = seed.Remaining <= 0
	}
	sub.ch <- Event{Kind: KindSnapshot, DropID: dropID, Supply: st.last, Initial: true}
	st.subs[sub.id] = sub
	b.subscribers.Inc()
	return sub, nil
}

// Last returns the most recent snapshot seen for a drop.
func (b *Broadcaster) Last(dropID string) (drops.Supply, bool) {
	st, ok := b.drops.Load(dropID)
	if !ok {
		return drops.Supply{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.last, st.seen
}

func (b *Broadcaster) Stats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Stale:       b.stale.Load(),
		Pruned:      b.pruned.Load(),
		Subscribers: b.subscribers.Load(),
		Drops:       int64(b.drops.Size()),
	}
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.drops.Range(func(_ string, st *dropState) bool {
		st.mu.Lock()
		for id, sub := range st.subs {
			delete(st.subs, id)
			sub.closeLocked(ErrClosed)
			b.subscribers.Dec()
		}
		st.mu.Unlock()
		return true
	})
}

type Subscription struct {
	id     uint64
	dropID string
	ch     chan Event
	b      *Broadcaster
	st     *dropState

	closed bool // guarded by st.mu
	err    atomic.Error
}

func (s *Subscription) DropID() string { return s.dropID }

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// All yields events until the subscription ends or the consumer stops.
func (s *Subscription) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for ev := range s.ch {
			if !yield(ev) {
				s.Close()
				return
			}
		}
	}
}

// Err reports why the subscription ended; nil after a plain Close.
func (s *Subscription) Err() error { return s.err.Load() }

func (s *Subscription) Close() {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.st.subs, s.id)
	s.b.subscribers.Dec()
	s.closeLocked(nil)
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	if err != nil {
		s.err.Store(err)
	}
	close(s.ch)
}
