package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/zacdoteth/clawdrip/internal/config"
	"github.com/zacdoteth/clawdrip/internal/drops"
	kafkax "github.com/zacdoteth/clawdrip/internal/kafka"
	"github.com/zacdoteth/clawdrip/internal/logging"
	"github.com/zacdoteth/clawdrip/internal/postgres"
	"github.com/zacdoteth/clawdrip/internal/redisx"
	"github.com/zacdoteth/clawdrip/internal/salesink"
	"github.com/zacdoteth/clawdrip/migrations"
)

func main() {
	logger, err := logging.New(salesink.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("salesink exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{}, logger)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := migrations.Apply(ctx, pool, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb, err := redisx.New(ctx, cfg.RedisAddr, logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	svc := &salesink.Service{
		Sales:  postgres.NewSaleStore(pool),
		Dedup:  redisx.NewDedup(rdb, salesink.ServiceName),
		Logger: logger,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.SalesinkGroup, drops.TopicSaleFinalized, cfg.SalesinkWorkers, logger)

	logger.Info("salesink started",
		zap.String("group", cfg.SalesinkGroup),
		zap.String("topic", drops.TopicSaleFinalized),
		zap.Int("workers", cfg.SalesinkWorkers))
	if err := cons.Start(ctx, svc.HandleSaleFinalized); err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	logger.Info("salesink stopped")
	return nil
}
