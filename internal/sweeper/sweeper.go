// Package sweeper expires lapsed holds on a schedule. Each tick is
// idempotent: expiry is a conditional transition, so overlapping or missed
// ticks cannot release a unit twice.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

const (
	DefaultSchedule   = "@every 60s"
	DefaultBatch      = 500
	DefaultWorkers    = 8
	DefaultRunTimeout = 50 * time.Second
)

// Expirer is the slice of the reservation manager the sweeper drives.
type Expirer interface {
	Lapsed(ctx context.Context, limit int) ([]drops.Reservation, error)
	Expire(ctx context.Context, id string) (bool, error)
}

type Config struct {
	Schedule   string
	Batch      int
	Workers    int
	RunTimeout time.Duration
}

type Result struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

type Sweeper struct {
	exp    Expirer
	cfg    Config
	logger *zap.Logger
	pool   pond.Pool
	cron   *cron.Cron
}

func New(exp Expirer, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		exp:    exp,
		cfg:    cfg,
		logger: logger,
		pool:   pond.NewPool(cfg.Workers, pond.WithQueueSize(cfg.Batch)),
	}
}

// SweepOnce expires every hold lapsed at call time, one page at a time.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var (
		res             Result
		expired, failed atomic.Int64
	)
	for {
		page, err := s.exp.Lapsed(ctx, s.cfg.Batch)
		if err != nil {
			return res, fmt.Errorf("list lapsed: %w", err)
		}
		if len(page) == 0 {
			break
		}
		res.Scanned += len(page)
		before := expired.Load()

		group := s.pool.NewGroupContext(ctx)
		gctx := group.Context()
		for _, r := range page {
			id := r.ID
			group.Submit(func() {
				if gctx.Err() != nil {
					return
				}
				ok, err := s.exp.Expire(gctx, id)
				switch {
				case err != nil:
					failed.Inc()
					s.logger.Warn("expire failed", zap.String("reservation_id", id), zap.Error(err))
				case ok:
					expired.Inc()
				}
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			s.logger.Warn("sweep group", zap.Error(err))
		}
		if err := ctx.Err(); err != nil {
			res.Expired, res.Failed = int(expired.Load()), int(failed.Load())
			return res, err
		}
		// A short page is the tail; a page with no progress would repeat.
		if len(page) < s.cfg.Batch || expired.Load() == before {
			break
		}
	}
	res.Expired, res.Failed = int(expired.Load()), int(failed.Load())
	return res, nil
}

// Start schedules SweepOnce. Ticks never overlap; a tick that is still
// running when the next fires is skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	cl := cronLogger{s.logger.Sugar()}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
		started := time.Now()
		res, err := s.SweepOnce(rctx)
		if err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
			return
		}
		if res.Scanned > 0 {
			s.logger.Info("sweep done",
				zap.Int("scanned", res.Scanned),
				zap.Int("expired", res.Expired),
				zap.Int("failed", res.Failed),
				zap.Duration("took", time.Since(started)))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("sweeper started", zap.String("schedule", s.cfg.Schedule), zap.Int("workers", s.cfg.Workers))
	return nil
}

// Stop waits for a running tick and releases the worker pool.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.pool.StopAndWait()
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
