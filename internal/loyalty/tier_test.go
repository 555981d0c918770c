package loyalty_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zacdoteth/clawdrip/internal/loyalty"
)

func TestTierFor(t *testing.T) {
	cases := []struct {
		balance int64
		name    string
		pct     int
		next    string
		toNext  int64
	}{
		{-20, loyalty.TierBase, 0, loyalty.TierSilver, 50},
		{0, loyalty.TierBase, 0, loyalty.TierSilver, 50},
		{49, loyalty.TierBase, 0, loyalty.TierSilver, 1},
		{50, loyalty.TierSilver, 5, loyalty.TierGold, 100},
		{149, loyalty.TierSilver, 5, loyalty.TierGold, 1},
		{150, loyalty.TierGold, 10, loyalty.TierDiamond, 350},
		{499, loyalty.TierGold, 10, loyalty.TierDiamond, 1},
		{500, loyalty.TierDiamond, 15, "", 0},
		{1_000_000, loyalty.TierDiamond, 15, "", 0},
	}
	for _, tc := range cases {
		got := loyalty.TierFor(tc.balance)
		require.Equal(t, tc.name, got.Name, "balance %d", tc.balance)
		require.Equal(t, tc.pct, got.DiscountPercent, "balance %d", tc.balance)
		require.Equal(t, tc.next, got.NextTier, "balance %d", tc.balance)
		require.Equal(t, tc.toNext, got.AmountToNext, "balance %d", tc.balance)
		require.NotEmpty(t, got.Emoji)
	}
}

func TestTierForIsMonotonic(t *testing.T) {
	prev := loyalty.TierFor(-1).DiscountPercent
	for b := int64(0); b <= 2000; b++ {
		cur := loyalty.TierFor(b).DiscountPercent
		require.LessOrEqual(t, prev, cur, "discount dropped at balance %d", b)
		prev = cur
	}
}

func TestDiscountedPrice(t *testing.T) {
	require.Equal(t, int64(3500), loyalty.DiscountedPrice(3500, 0))
	require.Equal(t, int64(3325), loyalty.DiscountedPrice(3500, 5))
	require.Equal(t, int64(3150), loyalty.DiscountedPrice(3500, 10))
	require.Equal(t, int64(2975), loyalty.DiscountedPrice(3500, 15))
	// 999 * 0.95 = 949.05
	require.Equal(t, int64(949), loyalty.DiscountedPrice(999, 5))
	// 1010 * 0.95 = 959.5
	require.Equal(t, int64(960), loyalty.DiscountedPrice(1010, 5))
	require.Equal(t, int64(0), loyalty.DiscountedPrice(3500, 100))
}

func TestEarned(t *testing.T) {
	require.Equal(t, int64(35), loyalty.Earned(3500))
	require.Equal(t, int64(31), loyalty.Earned(3150))
	require.Equal(t, int64(0), loyalty.Earned(99))
	require.Equal(t, int64(0), loyalty.Earned(-5))
}
