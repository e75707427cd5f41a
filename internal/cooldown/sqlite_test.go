package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper-bot/internal/clock"
	"gatekeeper-bot/internal/storage/storagetest"
)

func newStore(t *testing.T) (*Store, *clock.MockClock) {
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	return NewStore(storagetest.Open(t), clk), clk
}

func TestRemainingWithoutCooldown(t *testing.T) {
	store, _ := newStore(t)

	d, err := store.Remaining(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestStartReplacesInsteadOfStacking(t *testing.T) {
	ctx := context.Background()
	store, clk := newStore(t)

	require.NoError(t, store.Start(ctx, 1, 2, 60*time.Second, nil))
	clk.Add(10 * time.Second)
	require.NoError(t, store.Start(ctx, 1, 2, 30*time.Second, nil))

	d, err := store.Remaining(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestRemainingNeverNegative(t *testing.T) {
	ctx := context.Background()
	store, clk := newStore(t)

	id := int64(7)
	require.NoError(t, store.Start(ctx, 1, 2, time.Minute, &id))
	clk.Add(2 * time.Minute)

	d, err := store.Remaining(ctx, 1, 2)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestResetClearsCooldown(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	require.NoError(t, store.Start(ctx, 1, 2, time.Hour, nil))
	require.NoError(t, store.Start(ctx, 1, 3, time.Hour, nil))
	require.NoError(t, store.Reset(ctx, 1, 2))

	d, err := store.Remaining(ctx, 1, 2)
	require.NoError(t, err)
	assert.Zero(t, d)

	other, err := store.Remaining(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, other)

	// Resetting twice is fine.
	require.NoError(t, store.Reset(ctx, 1, 2))
}
