package sweeper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"github.com/zacdoteth/clawdrip/internal/clock"
	"github.com/zacdoteth/clawdrip/internal/drops"
	"github.com/zacdoteth/clawdrip/internal/memory"
	"github.com/zacdoteth/clawdrip/internal/reservation"
	"github.com/zacdoteth/clawdrip/internal/sweeper"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T, supply int) (*reservation.Manager, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	m := reservation.New(memory.NewLedger(), memory.NewStore(),
		reservation.WithClock(clk),
		reservation.WithLogger(zaptest.NewLogger(t)))
	_, err := m.CreateDrop(context.Background(), drops.Drop{ID: "drop-1", TotalSupply: supply, PriceCents: 3500})
	require.NoError(t, err)
	return m, clk
}

func hold(t *testing.T, m *reservation.Manager) drops.Reservation {
	t.Helper()
	c, err := m.Create(context.Background(), reservation.CreateInput{DropID: "drop-1", Size: "L"})
	require.NoError(t, err)
	return c.Reservation
}

func TestSweepReleasesHoldAfterDeadline(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager(t, 1)
	res := hold(t, m)
	s := sweeper.New(m, sweeper.Config{}, zaptest.NewLogger(t))
	defer s.Stop()

	clk.Advance(299 * time.Second)
	out, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, sweeper.Result{}, out)

	clk.Set(t0.Add(301 * time.Second))
	out, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, sweeper.Result{Scanned: 1, Expired: 1}, out)

	got, err := m.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, drops.StatusExpired, got.Status)
	sup, err := m.Supply(ctx, "drop-1")
	require.NoError(t, err)
	require.Equal(t, 1, sup.Remaining)
}

func TestSweepLeavesConfirmedHoldsAlone(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager(t, 3)
	sold := hold(t, m)
	hold(t, m)
	hold(t, m)
	_, err := m.Confirm(ctx, sold.ID, "proof")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	s := sweeper.New(m, sweeper.Config{}, zaptest.NewLogger(t))
	defer s.Stop()
	out, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, out.Expired)

	d, err := m.Drop(ctx, "drop-1")
	require.NoError(t, err)
	require.Equal(t, 1, d.SoldCount)
	require.Equal(t, 0, d.ReservedCount)
}

func TestOverlappingSweepsReleaseEachUnitOnce(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager(t, 20)
	for i := 0; i < 20; i++ {
		hold(t, m)
	}
	clk.Advance(6 * time.Minute)

	a := sweeper.New(m, sweeper.Config{Workers: 4}, zaptest.NewLogger(t))
	b := sweeper.New(m, sweeper.Config{Workers: 4}, zaptest.NewLogger(t))
	defer a.Stop()
	defer b.Stop()

	var wg sync.WaitGroup
	results := make([]sweeper.Result, 2)
	for i, s := range []*sweeper.Sweeper{a, b} {
		wg.Add(1)
		go func(i int, s *sweeper.Sweeper) {
			defer wg.Done()
			out, err := s.SweepOnce(ctx)
			assert.NoError(t, err)
			results[i] = out
		}(i, s)
	}
	wg.Wait()

	require.Equal(t, 20, results[0].Expired+results[1].Expired)
	sup, err := m.Supply(ctx, "drop-1")
	require.NoError(t, err)
	require.Equal(t, 20, sup.Remaining)
	require.Equal(t, 0, sup.Reserved)
}

func TestSweepPagesThroughBacklog(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager(t, 7)
	for i := 0; i < 7; i++ {
		hold(t, m)
	}
	clk.Advance(time.Hour)

	s := sweeper.New(m, sweeper.Config{Batch: 2, Workers: 2}, zaptest.NewLogger(t))
	defer s.Stop()
	out, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, out.Expired)
	require.Equal(t, 7, out.Scanned)
}

// flakyExpirer always fails "a" and expires "b" once.
type flakyExpirer struct {
	calls atomic.Int64
	bDone atomic.Bool
}

func (f *flakyExpirer) Lapsed(context.Context, int) ([]drops.Reservation, error) {
	out := []drops.Reservation{{ID: "a"}}
	if !f.bDone.Load() {
		out = append(out, drops.Reservation{ID: "b"})
	}
	return out, nil
}

func (f *flakyExpirer) Expire(_ context.Context, id string) (bool, error) {
	f.calls.Inc()
	if id == "a" {
		return false, errors.New("store unavailable")
	}
	f.bDone.Store(true)
	return true, nil
}

func TestSweepCountsFailuresAndStopsOnTail(t *testing.T) {
	exp := &flakyExpirer{}
	s := sweeper.New(exp, sweeper.Config{Batch: 2}, zaptest.NewLogger(t))
	defer s.Stop()

	out, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, sweeper.Result{Scanned: 3, Expired: 1, Failed: 2}, out)
	require.Equal(t, int64(3), exp.calls.Load())
}

type countingExpirer struct {
	ticks atomic.Int64
}

func (c *countingExpirer) Lapsed(context.Context, int) ([]drops.Reservation, error) {
	c.ticks.Inc()
	return nil, nil
}

func (c *countingExpirer) Expire(context.Context, string) (bool, error) { return false, nil }

func TestStartRunsOnSchedule(t *testing.T) {
	exp := &countingExpirer{}
	s := sweeper.New(exp, sweeper.Config{Schedule: "@every 1s"}, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return exp.ticks.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := sweeper.New(&countingExpirer{}, sweeper.Config{Schedule: "every so often"}, zaptest.NewLogger(t))
	defer s.Stop()
	require.Error(t, s.Start(context.Background()))
}
