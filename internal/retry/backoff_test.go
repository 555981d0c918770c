package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zacdoteth/clawdrip/internal/retry"
)

var errBusy = errors.New("busy")

func fastConfig(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Microsecond, MaxDelay: time.Microsecond, Multiplier: 1}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(5), func(err error) bool { return errors.Is(err, errBusy) }, func(int) error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := retry.Do(context.Background(), fastConfig(5), func(err error) bool { return errors.Is(err, errBusy) }, func(int) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.NotErrorIs(t, err, retry.ErrExhausted)
	require.Equal(t, 1, calls)
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(4), nil, func(int) error {
		calls++
		return errBusy
	})
	require.ErrorIs(t, err, retry.ErrExhausted)
	require.ErrorIs(t, err, errBusy)
	require.Equal(t, 4, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry.Do(ctx, fastConfig(3), nil, func(int) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := retry.Config{InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
	require.Equal(t, time.Millisecond, retry.Backoff(cfg, 1))
	require.Equal(t, 2*time.Millisecond, retry.Backoff(cfg, 2))
	require.Equal(t, 4*time.Millisecond, retry.Backoff(cfg, 3))
	require.Equal(t, 4*time.Millisecond, retry.Backoff(cfg, 10))
}
