package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

// SaleStore is the durable sales journal fed from the sale.finalized topic.
type SaleStore struct {
	db conn
}

func NewSaleStore(pool *pgxpool.Pool) *SaleStore {
	return &SaleStore{db: conn{pool: pool}}
}

const saleColumns = `reservation_id, drop_id, wallet_address, size, price_cents, original_price_cents,
	discount_percent, discount_tier, loyalty_earned, currency, proof_token, confirmed_at`

// Record stores a sale once. It reports false when the reservation already
// has a sale row, which makes redelivered events harmless.
func (s *SaleStore) Record(ctx context.Context, sale drops.Sale) (bool, error) {
	if sale.ReservationID == "" || sale.DropID == "" {
		return false, drops.ErrInvalidInput
	}
	const stmt = `
INSERT INTO sales (` + saleColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (reservation_id) DO NOTHING`
	tag, err := s.db.exec(ctx, stmt,
		sale.ReservationID, sale.DropID, sale.WalletAddress, sale.Size, sale.PriceCents, sale.OriginalPriceCents,
		sale.DiscountPercent, sale.DiscountTier, sale.LoyaltyEarned, sale.Currency, sale.ProofToken, sale.ConfirmedAt)
	if err != nil {
		return false, fmt.Errorf("record sale: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByDrop returns a drop's sales in confirmation order.
func (s *SaleStore) ListByDrop(ctx context.Context, dropID string, limit int) ([]drops.Sale, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + saleColumns + ` FROM sales WHERE drop_id = $1 ORDER BY confirmed_at, reservation_id LIMIT $2`
	rows, err := s.db.query(ctx, query, dropID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	defer rows.Close()

	var out []drops.Sale
	for rows.Next() {
		var v drops.Sale
		if err := rows.Scan(&v.ReservationID, &v.DropID, &v.WalletAddress, &v.Size, &v.PriceCents,
			&v.OriginalPriceCents, &v.DiscountPercent, &v.DiscountTier, &v.LoyaltyEarned, &v.Currency,
			&v.ProofToken, &v.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		v.ConfirmedAt = v.ConfirmedAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}
