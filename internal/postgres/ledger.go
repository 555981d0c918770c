package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zacdoteth/clawdrip/internal/drops"
	"github.com/zacdoteth/clawdrip/internal/retry"
)

var errStaleVersion = errors.New("drop version moved")

// Ledger keeps drop counters in the drops table. Every mutation is an
// UPDATE guarded by the version read just before it.
type Ledger struct {
	db     conn
	retry  retry.Config
	logger *zap.Logger
}

func NewLedger(pool *pgxpool.Pool, cfg retry.Config, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: conn{pool: pool}, retry: cfg, logger: logger}
}

const dropColumns = `id, name, total_supply, reserved_count, sold_count, price_cents, currency, version, created_at`

func (l *Ledger) CreateDrop(ctx context.Context, d drops.Drop) (drops.Drop, error) {
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
	const stmt = `
INSERT INTO drops (` + dropColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := l.db.exec(ctx, stmt,
		d.ID, d.Name, d.TotalSupply, d.ReservedCount, d.SoldCount, d.PriceCents, d.Currency, d.Version, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return drops.Drop{}, fmt.Errorf("drop %s: %w", d.ID, drops.ErrDuplicate)
		}
		return drops.Drop{}, fmt.Errorf("create drop: %w", err)
	}
	return d, nil
}

func (l *Ledger) Drop(ctx context.Context, dropID string) (drops.Drop, error) {
	const query = `SELECT ` + dropColumns + ` FROM drops WHERE id = $1`
	var d drops.Drop
	err := l.db.queryRow(ctx, query, dropID).Scan(
		&d.ID, &d.Name, &d.TotalSupply, &d.ReservedCount, &d.SoldCount, &d.PriceCents, &d.Currency, &d.Version, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return drops.Drop{}, drops.ErrDropNotFound
		}
		return drops.Drop{}, fmt.Errorf("get drop: %w", err)
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
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
	const stmt = `
UPDATE drops
SET reserved_count = $3, sold_count = $4, version = $5
WHERE id = $1 AND version = $2`

	var out drops.Drop
	err := retry.Do(ctx, l.retry, isStale, func(attempt int) error {
		cur, err := l.Drop(ctx, dropID)
		if err != nil {
			return err
		}
		next, err := m(cur)
		if err != nil {
			return err
		}
		tag, err := l.db.exec(ctx, stmt, dropID, cur.Version, next.ReservedCount, next.SoldCount, next.Version)
		if err != nil {
			if isCheckViolation(err) {
				return drops.ErrInsufficientSupply
			}
			return fmt.Errorf("update drop: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if attempt > 1 {
				l.logger.Debug("ledger contention", zap.String("drop_id", dropID), zap.Int("attempt", attempt))
			}
			return errStaleVersion
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

func isStale(err error) bool { return errors.Is(err, errStaleVersion) }
