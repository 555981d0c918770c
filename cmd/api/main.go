package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zacdoteth/clawdrip/internal/clock"
	"github.com/zacdoteth/clawdrip/internal/config"
	"github.com/zacdoteth/clawdrip/internal/drops"
	"github.com/zacdoteth/clawdrip/internal/feed"
	"github.com/zacdoteth/clawdrip/internal/httpx"
	kafkax "github.com/zacdoteth/clawdrip/internal/kafka"
	"github.com/zacdoteth/clawdrip/internal/logging"
	"github.com/zacdoteth/clawdrip/internal/memory"
	"github.com/zacdoteth/clawdrip/internal/postgres"
	"github.com/zacdoteth/clawdrip/internal/redisx"
	"github.com/zacdoteth/clawdrip/internal/reservation"
	"github.com/zacdoteth/clawdrip/internal/retry"
	"github.com/zacdoteth/clawdrip/internal/sweeper"
	"github.com/zacdoteth/clawdrip/migrations"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger, err := logging.New("clawdrip-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

type backend struct {
	ledger reservation.Ledger
	store  reservation.Store
	uow    reservation.UnitOfWork
	close  func()
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store; state is lost on exit")
		rc := retry.LedgerConfig()
		rc.MaxAttempts = cfg.LedgerMaxAttempts
		return backend{
			ledger: memory.NewLedger(memory.WithRetry(rc)),
			store:  memory.NewStore(),
			close:  func() {},
		}, nil
	}

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{}, logger)
	if err != nil {
		return backend{}, fmt.Errorf("postgres: %w", err)
	}
	if err := migrations.Apply(ctx, pool, logger); err != nil {
		pool.Close()
		return backend{}, fmt.Errorf("migrate: %w", err)
	}
	rc := retry.LedgerConfig()
	rc.MaxAttempts = cfg.LedgerMaxAttempts
	return backend{
		ledger: postgres.NewLedger(pool, rc, logger),
		store:  postgres.NewReservationStore(pool),
		uow:    postgres.NewUnitOfWork(pool),
		close:  pool.Close,
	}, nil
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger = logger.With(zap.String("instance", cfg.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	// Background collaborators get their own contexts so they can be
	// stopped one at a time after the HTTP server drains.
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	producerCtx, stopProducer := context.WithCancel(context.Background())
	defer stopProducer()

	var m *reservation.Manager
	bc := feed.New(feed.Config{
		SubscriberBuffer:  cfg.SubscriberBuffer,
		VelocityThreshold: cfg.VelocityThreshold,
		VelocityWindow:    cfg.VelocityWindow,
	}, func(ctx context.Context, dropID string) (drops.Supply, error) {
		return m.Supply(ctx, dropID)
	}, logger.Named("feed"))
	defer bc.Close()

	opts := []reservation.Option{
		reservation.WithClock(clock.NewSystem()),
		reservation.WithLogger(logger.Named("reservation")),
		reservation.WithHoldTTL(cfg.HoldTTL),
		reservation.WithExtensionTTL(cfg.ExtensionTTL),
		reservation.WithGraceWindow(cfg.GraceWindow),
		reservation.WithProducer(cfg.ServiceName),
		reservation.WithPublisher(bc),
	}
	if be.uow != nil {
		opts = append(opts, reservation.WithUnitOfWork(be.uow))
	}

	h := &httpx.DropsHandler{Feed: bc, Logger: logger.Named("http")}

	// the memory store runs standalone, without Redis or Kafka
	standalone := cfg.Store == config.StoreMemory

	var relay *redisx.FeedRelay
	if !standalone {
		rdb, err := redisx.New(ctx, cfg.RedisAddr, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		relay = redisx.NewFeedRelay(rdb, bc, cfg.InstanceID, logger.Named("relay"))
		opts = append(opts, reservation.WithPublisher(relay))
		h.Cache = redisx.NewSupplyCache(rdb, redisx.TTLSupplyCache)
		h.Idem = redisx.NewIdempotency(rdb)
	}

	var prod *kafkax.Producer
	if !standalone && len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, cfg.ProducerBuffer, logger.Named("producer"))
		prod.Start(producerCtx)
		opts = append(opts, reservation.WithEmitter(kafkax.NewEmitter(prod, logger)))
	}

	m = reservation.New(be.ledger, be.store, opts...)
	h.Reservations = m

	sw := sweeper.New(m, sweeper.Config{
		Schedule: cfg.SweepSchedule,
		Batch:    cfg.SweepBatch,
		Workers:  cfg.SweepWorkers,
	}, logger.Named("sweeper"))
	if err := sw.Start(ctx); err != nil {
		return err
	}

	router := httpx.NewRouter(cfg.AllowedOrigins)
	h.Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(relayCtx); err != nil && relayCtx.Err() == nil {
				return fmt.Errorf("feed relay: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		sw.Stop()
		stopRelay()
		if prod != nil {
			stopProducer()
			prod.WaitClosed()
			if n := prod.Dropped(); n > 0 {
				logger.Warn("events dropped under backpressure", zap.Int64("count", n))
			}
		}
		return nil
	})
	return g.Wait()
}
