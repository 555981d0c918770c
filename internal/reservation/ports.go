package reservation

import (
	"context"
	"time"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

// Ledger owns a drop's counters. Every mutation is an optimistic
// compare-and-set on the drop version, retried internally.
type Ledger interface {
	CreateDrop(ctx context.Context, d drops.Drop) (drops.Drop, error)
	Drop(ctx context.Context, dropID string) (drops.Drop, error)
	Supply(ctx context.Context, dropID string) (drops.Supply, error)
	TryReserve(ctx context.Context, dropID string) (drops.Supply, error)
	Commit(ctx context.Context, dropID string) (drops.Supply, error)
	Release(ctx context.Context, dropID string) (drops.Supply, error)
}

// Store persists reservations. Transition is the only way a stored record
// changes and it is the arbiter between concurrent confirm/expire/extend.
type Store interface {
	Insert(ctx context.Context, r drops.Reservation) error
	Get(ctx context.Context, id string) (drops.Reservation, error)
	Transition(ctx context.Context, t drops.Transition) (drops.Reservation, error)
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]drops.Reservation, error)
}

// UnitOfWork groups a store transition with its ledger mutation.
type UnitOfWork interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

// Publisher receives supply snapshots. Implementations must not block.
type Publisher interface {
	Publish(s drops.Supply)
	RecordSale(s drops.Supply, at time.Time)
}

// Emitter ships lifecycle and sale events to downstream collaborators.
// Implementations must not block.
type Emitter interface {
	Emit(ctx context.Context, env drops.Envelope)
}

type noopPublisher struct{}

func (noopPublisher) Publish(drops.Supply) {}
func (noopPublisher) RecordSale(drops.Supply, time.Time) {}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, drops.Envelope) {}

type directUnit struct{}

func (directUnit) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
