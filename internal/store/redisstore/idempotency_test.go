package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/exec-core/pkg/types"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// TestIdempotencyStore_FirstClaimWins matches spec's duplicate-delivery
// scenario: the first POST claims the key and wins.
func TestIdempotencyStore_FirstClaimWins(t *testing.T) {
	store := NewIdempotencyStore(newTestClient(t))
	runID := types.NewID()

	claimed, won, err := store.Claim(context.Background(), "connector:digest", time.Minute, runID)
	require.NoError(t, err)
	require.True(t, won)
	require.Equal(t, runID, claimed)
}

// TestIdempotencyStore_DuplicateWithinWindow matches the scenario of two
// identical POSTs 10s apart inside a 60s window producing exactly one
// StrategyRun: the second claim loses and gets the first run's id back.
func TestIdempotencyStore_DuplicateWithinWindow(t *testing.T) {
	store := NewIdempotencyStore(newTestClient(t))
	key := "connector:digest"
	first := types.NewID()

	claimed, won, err := store.Claim(context.Background(), key, time.Minute, first)
	require.NoError(t, err)
	require.True(t, won)
	require.Equal(t, first, claimed)

	second := types.NewID()
	claimed, won, err = store.Claim(context.Background(), key, time.Minute, second)
	require.ErrorIs(t, err, ErrDuplicate)
	require.False(t, won)
	require.Equal(t, first, claimed)
}

// TestIdempotencyStore_ExpiresAfterWindow checks that a claim outside the
// idempotency window is free to be reclaimed by a new delivery.
func TestIdempotencyStore_ExpiresAfterWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer c.Close()
	store := NewIdempotencyStore(c)
	key := "connector:digest"

	_, won, err := store.Claim(context.Background(), key, time.Second, types.NewID())
	require.NoError(t, err)
	require.True(t, won)

	mr.FastForward(2 * time.Second)

	second := types.NewID()
	claimed, won, err := store.Claim(context.Background(), key, time.Second, second)
	require.NoError(t, err)
	require.True(t, won)
	require.Equal(t, second, claimed)
}

func TestLockManager_AcquireAndRelease(t *testing.T) {
	lm := NewLockManager(newTestClient(t))
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "broker-link-1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "broker-link-1", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	unlock()

	unlock2, err := lm.Acquire(ctx, "broker-link-1", time.Minute)
	require.NoError(t, err)
	unlock2()
}
