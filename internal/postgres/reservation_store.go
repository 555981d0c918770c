package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

// ReservationStore keeps holds in the reservations table. Transition is a
// single conditional UPDATE, so the row itself arbitrates every race.
type ReservationStore struct {
	db conn
}

func NewReservationStore(pool *pgxpool.Pool) *ReservationStore {
	return &ReservationStore{db: conn{pool: pool}}
}

const reservationColumns = `id, drop_id, wallet_address, size, price_cents, original_price_cents,
	discount_percent, discount_tier, status, created_at, expires_at, extension_used, proof_token, finalized_at`

func (s *ReservationStore) Insert(ctx context.Context, r drops.Reservation) error {
	if r.ID == "" || r.DropID == "" {
		return drops.ErrInvalidInput
	}
	const stmt = `
INSERT INTO reservations (` + reservationColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.db.exec(ctx, stmt,
		r.ID, r.DropID, r.WalletAddress, r.Size, r.PriceCents, r.OriginalPriceCents,
		r.DiscountPercent, r.DiscountTier, string(r.Status), r.CreatedAt, r.ExpiresAt,
		r.ExtensionUsed, r.ProofToken, r.FinalizedAt)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return fmt.Errorf("reservation %s: %w", r.ID, drops.ErrDuplicate)
		case isForeignKeyViolation(err):
			return drops.ErrDropNotFound
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (s *ReservationStore) Get(ctx context.Context, id string) (drops.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	r, err := scanReservation(s.db.queryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return drops.Reservation{}, drops.ErrNotFound
		}
		return drops.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// Transition applies t when the row still matches it. A miss is reported as
// ErrTransitionLost, or ErrNotFound when the row does not exist.
func (s *ReservationStore) Transition(ctx context.Context, t drops.Transition) (drops.Reservation, error) {
	if !drops.CanTransition(t.From, t.To) {
		return drops.Reservation{}, drops.ErrTransitionLost
	}
	stmt, args := transitionSQL(t)
	r, err := scanReservation(s.db.queryRow(ctx, stmt, args...))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return drops.Reservation{}, fmt.Errorf("transition reservation: %w", err)
	}
	cur, gerr := s.Get(ctx, t.ID)
	if gerr != nil {
		return drops.Reservation{}, gerr
	}
	return cur, drops.ErrTransitionLost
}

func transitionSQL(t drops.Transition) (string, []any) {
	args := []any{t.ID, string(t.From), string(t.To)}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	set := []string{"status = $3"}
	if t.Finalizes() {
		set = append(set, "finalized_at = "+arg(t.Now))
	} else {
		set = append(set, "finalized_at = NULL")
	}
	if t.ProofToken != "" {
		set = append(set, "proof_token = "+arg(t.ProofToken))
	}
	where := []string{"id = $1", "status = $2"}
	switch t.Guard {
	case drops.GuardLive:
		where = append(where, "expires_at >= "+arg(t.Now))
	case drops.GuardLapsed:
		where = append(where, "expires_at < "+arg(t.Now))
	}
	if t.Extend {
		set = append(set, "expires_at = "+arg(t.ExpiresAt), "extension_used = TRUE")
		where = append(where, "extension_used = FALSE")
	}

	var b strings.Builder
	b.WriteString("UPDATE reservations SET ")
	b.WriteString(strings.Join(set, ", "))
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(where, " AND "))
	b.WriteString(" RETURNING ")
	b.WriteString(reservationColumns)
	return b.String(), args
}

func (s *ReservationStore) ListLapsed(ctx context.Context, now time.Time, limit int) ([]drops.Reservation, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + reservationColumns + `
FROM reservations
WHERE status = 'pending' AND expires_at < $1
ORDER BY expires_at
LIMIT $2`
	rows, err := s.db.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list lapsed: %w", err)
	}
	defer rows.Close()

	var out []drops.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lapsed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservation(row pgx.Row) (drops.Reservation, error) {
	var (
		r         drops.Reservation
		status    string
		finalized *time.Time
	)
	err := row.Scan(&r.ID, &r.DropID, &r.WalletAddress, &r.Size, &r.PriceCents, &r.OriginalPriceCents,
		&r.DiscountPercent, &r.DiscountTier, &status, &r.CreatedAt, &r.ExpiresAt, &r.ExtensionUsed,
		&r.ProofToken, &finalized)
	if err != nil {
		return drops.Reservation{}, err
	}
	r.Status = drops.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	if finalized != nil {
		at := finalized.UTC()
		r.FinalizedAt = &at
	}
	return r, nil
}
