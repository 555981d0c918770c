package migrations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zacdoteth/clawdrip/internal/testutil"
	"github.com/zacdoteth/clawdrip/migrations"
)

func TestNamesAreOrdered(t *testing.T) {
	names, err := migrations.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"0001_drops.sql", "0002_reservations.sql", "0003_sales.sql"}, names)
}

func TestApplyIsIdempotent(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	_, err := pool.Exec(ctx, `DROP TABLE IF EXISTS schema_migrations`)
	require.NoError(t, err)
	require.NoError(t, migrations.Apply(ctx, pool, logger))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	require.Equal(t, 3, count)

	require.NoError(t, migrations.Apply(ctx, pool, logger))
	var again int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&again))
	require.Equal(t, count, again)
}
