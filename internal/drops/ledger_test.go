package drops_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

func TestMutations(t *testing.T) {
	d := drops.Drop{ID: "d1", TotalSupply: 2, Version: 1}

	d, err := drops.Reserve(d)
	require.NoError(t, err)
	d, err = drops.Reserve(d)
	require.NoError(t, err)
	require.Equal(t, 0, d.Remaining())
	require.Equal(t, int64(3), d.Version)

	_, err = drops.Reserve(d)
	require.ErrorIs(t, err, drops.ErrInsufficientSupply)

	d, err = drops.Commit(d)
	require.NoError(t, err)
	require.Equal(t, 1, d.SoldCount)
	require.Equal(t, 1, d.ReservedCount)
	require.Equal(t, 0, d.Remaining())

	d, err = drops.Release(d)
	require.NoError(t, err)
	require.Equal(t, 1, d.Remaining())

	_, err = drops.Release(d)
	require.ErrorIs(t, err, drops.ErrLedgerUnderflow)
	_, err = drops.Commit(d)
	require.ErrorIs(t, err, drops.ErrLedgerUnderflow)
}

func TestTransitionApply(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := drops.Reservation{ID: "r1", Status: drops.StatusPending, ExpiresAt: now.Add(5 * time.Minute)}

	t.Run("confirm live hold", func(t *testing.T) {
		got, err := drops.Transition{ID: "r1", From: drops.StatusPending, To: drops.StatusConfirmed, Now: now, Guard: drops.GuardLive, ProofToken: "p"}.Apply(r)
		require.NoError(t, err)
		require.Equal(t, drops.StatusConfirmed, got.Status)
		require.Equal(t, "p", got.ProofToken)
		require.NotNil(t, got.FinalizedAt)
	})

	t.Run("confirm at the exact expiry instant still wins", func(t *testing.T) {
		_, err := drops.Transition{From: drops.StatusPending, To: drops.StatusConfirmed, Now: r.ExpiresAt, Guard: drops.GuardLive}.Apply(r)
		require.NoError(t, err)
		_, err = drops.Transition{From: drops.StatusPending, To: drops.StatusExpired, Now: r.ExpiresAt, Guard: drops.GuardLapsed}.Apply(r)
		require.ErrorIs(t, err, drops.ErrTransitionLost)
	})

	t.Run("wrong source status loses", func(t *testing.T) {
		done := r
		done.Status = drops.StatusExpired
		_, err := drops.Transition{From: drops.StatusPending, To: drops.StatusConfirmed, Now: now, Guard: drops.GuardLive}.Apply(done)
		require.ErrorIs(t, err, drops.ErrTransitionLost)
	})

	t.Run("extension only once", func(t *testing.T) {
		next := r.ExpiresAt.Add(5 * time.Minute)
		tr := drops.Transition{From: drops.StatusPending, To: drops.StatusPending, Now: now, Extend: true, ExpiresAt: next}
		got, err := tr.Apply(r)
		require.NoError(t, err)
		require.True(t, got.ExtensionUsed)
		require.Equal(t, next, got.ExpiresAt)
		require.Nil(t, got.FinalizedAt)

		_, err = tr.Apply(got)
		require.ErrorIs(t, err, drops.ErrTransitionLost)
	})

	t.Run("terminal states are immutable", func(t *testing.T) {
		for _, s := range []drops.Status{drops.StatusConfirmed, drops.StatusCancelled} {
			for _, to := range []drops.Status{drops.StatusPending, drops.StatusExpired, drops.StatusConfirmed, drops.StatusCancelled} {
				require.False(t, drops.CanTransition(s, to), "%s -> %s", s, to)
			}
		}
	})
}

func TestFinalizedErrorMatchesSentinel(t *testing.T) {
	var err error = &drops.FinalizedError{ID: "r1", Status: drops.StatusConfirmed}
	require.ErrorIs(t, err, drops.ErrAlreadyFinalized)
	require.Contains(t, err.Error(), "confirmed")
}
