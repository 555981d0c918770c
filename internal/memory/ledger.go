// Package memory holds in-process implementations of the ledger and the
// reservation store. They back tests and single-instance dev runs; the same
// compare-and-set discipline as the Postgres implementation applies.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/atomic"

	"github.com/zacdoteth/clawdrip/internal/drops"
	"github.com/zacdoteth/clawdrip/internal/retry"
)

var errConflict = errors.New("concurrent drop update")

type dropCell struct {
	state atomic.Pointer[drops.Drop]
}

type Ledger struct {
	drops *xsync.Map[string, *dropCell]
	retry retry.Config

	// beforeSwap lets tests force interleavings between read and swap.
	beforeSwap func(dropID string)
}

type LedgerOption func(*Ledger)

func WithRetry(cfg retry.Config) LedgerOption {
	return func(l *Ledger) { l.retry = cfg }
}

func NewLedger(opts ...LedgerOption) *Ledger {
	cfg := retry.LedgerConfig()
	cfg.MaxAttempts = 64
	cfg.InitialDelay = 0
	l := &Ledger{
		drops: xsync.NewMap[string, *dropCell](),
		retry: cfg,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) CreateDrop(_ context.Context, d drops.Drop) (drops.Drop, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := drops.ValidateDrop(d); err != nil {
		return drops.Drop{}, err
	}
	if d.Version == 0 {
		d.Version = 1
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cell := &dropCell{}
	cell.state.Store(&d)
	if _, loaded := l.drops.LoadOrStore(d.ID, cell); loaded {
		return drops.Drop{}, fmt.Errorf("drop %s: %w", d.ID, drops.ErrDuplicate)
	}
	return d, nil
}

func (l *Ledger) Drop(_ context.Context, dropID string) (drops.Drop, error) {
	cell, ok := l.drops.Load(dropID)
	if !ok {
		return drops.Drop{}, drops.ErrDropNotFound
	}
	return *cell.state.Load(), nil
}

func (l *Ledger) Supply(ctx context.Context, dropID string) (drops.Supply, error) {
	d, err := l.Drop(ctx, dropID)
	if err != nil {
		return drops.Supply{}, err
	}
	return d.Supply(time.Time{}), nil
}

func (l *Ledger) TryReserve(ctx context.Context, dropID string) (drops.Supply, error) {
	return l.apply(ctx, dropID, drops.Reserve)
}

func (l *Ledger) Commit(ctx context.Context, dropID string) (drops.Supply, error) {
	return l.apply(ctx, dropID, drops.Commit)
}

func (l *Ledger) Release(ctx context.Context, dropID string) (drops.Supply, error) {
	return l.apply(ctx, dropID, drops.Release)
}

func (l *Ledger) apply(ctx context.Context, dropID string, m drops.Mutation) (drops.Supply, error) {
	cell, ok := l.drops.Load(dropID)
	if !ok {
		return drops.Supply{}, drops.ErrDropNotFound
	}

	var out drops.Drop
	err := retry.Do(ctx, l.retry, isConflict, func(int) error {
		cur := cell.state.Load()
		next, err := m(*cur)
		if err != nil {
			return err
		}
		if l.beforeSwap != nil {
			l.beforeSwap(dropID)
		}
		if !cell.state.CompareAndSwap(cur, &next) {
			return errConflict
		}
		out = next
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return drops.Supply{}, fmt.Errorf("drop %s: %w", dropID, drops.ErrVersionConflict)
		}
		return drops.Supply{}, err
	}
	return out.Supply(time.Time{}), nil
}

func isConflict(err error) bool { return errors.Is(err, errConflict) }
