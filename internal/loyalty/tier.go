package loyalty

import "github.com/shopspring/decimal"

type Tier struct {
	Name            string `json:"name"`
	Emoji           string `json:"emoji"`
	Threshold       int64  `json:"threshold"`
	DiscountPercent int    `json:"discount_percent"`
	// NextTier is empty at the top tier.
	NextTier     string `json:"next_tier,omitempty"`
	AmountToNext int64  `json:"amount_to_next"`
}

const (
	TierBase    = "Base"
	TierSilver  = "Silver"
	TierGold    = "Gold"
	TierDiamond = "Diamond"
)

// ascending by threshold
var tiers = []Tier{
	{Name: TierBase, Emoji: "🦀", Threshold: 0, DiscountPercent: 0},
	{Name: TierSilver, Emoji: "🥈", Threshold: 50, DiscountPercent: 5},
	{Name: TierGold, Emoji: "🥇", Threshold: 150, DiscountPercent: 10},
	{Name: TierDiamond, Emoji: "💎", Threshold: 500, DiscountPercent: 15},
}

// TierFor returns the highest tier whose threshold the balance reaches.
// Negative balances are treated as zero.
func TierFor(balance int64) Tier {
	if balance < 0 {
		balance = 0
	}
	idx := 0
	for i, t := range tiers {
		if balance >= t.Threshold {
			idx = i
		}
	}
	out := tiers[idx]
	if idx+1 < len(tiers) {
		next := tiers[idx+1]
		out.NextTier = next.Name
		out.AmountToNext = next.Threshold - balance
	}
	return out
}

// Tiers returns a copy of the tier table, ascending.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}

// DiscountedPrice applies pct to priceCents, rounding half away from zero.
func DiscountedPrice(priceCents int64, pct int) int64 {
	if pct <= 0 {
		return priceCents
	}
	if pct >= 100 {
		return 0
	}
	keep := decimal.NewFromInt(int64(100 - pct)).Div(decimal.NewFromInt(100))
	return decimal.NewFromInt(priceCents).Mul(keep).Round(0).IntPart()
}

// Earned is the loyalty amount credited for a sale: one unit per whole
// currency unit paid.
func Earned(priceCents int64) int64 {
	if priceCents <= 0 {
		return 0
	}
	return decimal.NewFromInt(priceCents).Div(decimal.NewFromInt(100)).Floor().IntPart()
}
