package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/zacdoteth/clawdrip/internal/drops"
	"github.com/zacdoteth/clawdrip/internal/loyalty"
	"github.com/zacdoteth/clawdrip/internal/postgres"
	"github.com/zacdoteth/clawdrip/internal/reservation"
	"github.com/zacdoteth/clawdrip/internal/retry"
	"github.com/zacdoteth/clawdrip/internal/sweeper"
	"github.com/zacdoteth/clawdrip/migrations"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var cmdMigrate = &cli.Command{
	Name:  "migrate",
	Usage: "apply pending schema migrations",
	Action: func(cctx *cli.Context) error {
		ctx, cancel := commandContext(cctx)
		defer cancel()
		pool, err := connect(ctx, cctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		return migrations.Apply(ctx, pool, log)
	},
}

var cmdCreate = &cli.Command{
	Name:  "create",
	Usage: "create a drop",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "drop id, generated when empty"},
		&cli.StringFlag{Name: "name", Required: true},
		&cli.IntFlag{Name: "supply", Required: true, Usage: "total units"},
		&cli.Int64Flag{Name: "price", Required: true, Usage: "price in cents"},
		&cli.StringFlag{Name: "currency", Value: reservation.DefaultCurrency},
	},
	Action: func(cctx *cli.Context) error {
		ctx, cancel := commandContext(cctx)
		defer cancel()
		pool, err := connect(ctx, cctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		m := reservation.New(postgres.NewLedger(pool, retry.LedgerConfig(), log), postgres.NewReservationStore(pool),
			reservation.WithLogger(log))
		d, err := m.CreateDrop(ctx, drops.Drop{
			ID:          cctx.String("id"),
			Name:        cctx.String("name"),
			TotalSupply: cctx.Int("supply"),
			PriceCents:  cctx.Int64("price"),
			Currency:    cctx.String("currency"),
		})
		if err != nil {
			return err
		}
		return printJSON(d)
	},
}

var cmdSupply = &cli.Command{
	Name:      "supply",
	Usage:     "show a drop's counters",
	ArgsUsage: "<drop-id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return cli.Exit("usage: dropctl supply <drop-id>", 2)
		}
		ctx, cancel := commandContext(cctx)
		defer cancel()
		pool, err := connect(ctx, cctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		s, err := postgres.NewLedger(pool, retry.LedgerConfig(), log).Supply(ctx, cctx.Args().First())
		if err != nil {
			return err
		}
		return printJSON(s)
	},
}

var cmdSales = &cli.Command{
	Name:      "sales",
	Usage:     "list journaled sales of a drop",
	ArgsUsage: "<drop-id>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 50},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return cli.Exit("usage: dropctl sales <drop-id>", 2)
		}
		ctx, cancel := commandContext(cctx)
		defer cancel()
		pool, err := connect(ctx, cctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		sales, err := postgres.NewSaleStore(pool).ListByDrop(ctx, cctx.Args().First(), cctx.Int("limit"))
		if err != nil {
			return err
		}
		return printJSON(sales)
	},
}

var cmdSweep = &cli.Command{
	Name:  "sweep",
	Usage: "expire lapsed holds once and exit",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "batch", Value: sweeper.DefaultBatch},
		&cli.IntFlag{Name: "workers", Value: sweeper.DefaultWorkers},
	},
	Action: func(cctx *cli.Context) error {
		ctx, cancel := commandContext(cctx)
		defer cancel()
		pool, err := connect(ctx, cctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		m := reservation.New(postgres.NewLedger(pool, retry.LedgerConfig(), log), postgres.NewReservationStore(pool),
			reservation.WithUnitOfWork(postgres.NewUnitOfWork(pool)),
			reservation.WithLogger(log))
		sw := sweeper.New(m, sweeper.Config{Batch: cctx.Int("batch"), Workers: cctx.Int("workers")}, log)
		defer sw.Stop()

		res, err := sw.SweepOnce(ctx)
		if err != nil {
			return err
		}
		log.Info("sweep done", zap.Int("scanned", res.Scanned), zap.Int("expired", res.Expired), zap.Int("failed", res.Failed))
		return printJSON(res)
	},
}

var cmdTier = &cli.Command{
	Name:      "tier",
	Usage:     "show the discount tier for a loyalty balance",
	ArgsUsage: "<balance>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return printJSON(loyalty.Tiers())
		}
		balance, err := strconv.ParseInt(cctx.Args().First(), 10, 64)
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		return printJSON(loyalty.TierFor(balance))
	},
}
