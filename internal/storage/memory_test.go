package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksim/internal/models"
)

func TestMemoryStoreRunnerUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	user, err := store.EnsureUser(ctx, "analytics")
	require.NoError(t, err)

	r := &models.Runner{
		UserID:       user.ID,
		Name:         "aapl-5m",
		StrategyKey:  "sma_cross",
		Stock:        "aapl",
		TimeframeMin: 5,
	}
	require.NoError(t, store.CreateRunner(ctx, r))
	assert.Equal(t, "AAPL", r.Stock)

	dup := &models.Runner{
		UserID:       user.ID,
		Name:         "another",
		StrategyKey:  "sma_cross",
		Stock:        "AAPL",
		TimeframeMin: 5,
	}
	assert.ErrorIs(t, store.CreateRunner(ctx, dup), ErrRunnerExists)

	// Same stock on a different timeframe is a different runner.
	other := &models.Runner{
		UserID:       user.ID,
		Name:         "aapl-1d",
		StrategyKey:  "sma_cross",
		Stock:        "AAPL",
		TimeframeMin: 1440,
	}
	require.NoError(t, store.CreateRunner(ctx, other))

	// Soft removal frees the slot.
	require.NoError(t, store.SoftRemoveRunner(ctx, r.ID))
	require.NoError(t, store.CreateRunner(ctx, dup))

	active, err := store.ActiveRunners(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestMemoryStoreSimStateAndCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	st, err := store.SimState(ctx, 1)
	require.NoError(t, err)
	assert.False(t, st.IsRunning)
	assert.Nil(t, st.LastTS)

	require.NoError(t, store.SetRunning(ctx, 1, true))
	ts := time.Unix(1600000000, 0).UTC()
	require.NoError(t, store.SetLastTS(ctx, 1, &ts))

	st, err = store.SimState(ctx, 1)
	require.NoError(t, err)
	assert.True(t, st.IsRunning)
	require.NotNil(t, st.LastTS)
	assert.Equal(t, ts, *st.LastTS)
}

func TestMemoryStoreUpsertExecutionsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	row := models.RunnerExecution{
		RunnerID: 1, UserID: 1, Symbol: "AAPL", Strategy: "sma_cross",
		Status: models.StatusBuy, CycleSeq: 100,
		ExecutionTime: time.Unix(100, 0).UTC(), TimeframeMin: 5,
	}
	require.NoError(t, store.UpsertExecutions(ctx, []models.RunnerExecution{row}))
	require.NoError(t, store.UpsertExecutions(ctx, []models.RunnerExecution{row}))

	n, err := store.CountExecutions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Higher severity replay wins the row.
	row.Status = models.StatusError
	require.NoError(t, store.UpsertExecutions(ctx, []models.RunnerExecution{row}))
	rows, err := store.LatestExecutions(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusError, rows[0].Status)
}

func TestMemoryStoreAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	acct, err := store.EnsureAccount(ctx, 1, 1e7)
	require.NoError(t, err)
	assert.Equal(t, 1e7, acct.Cash)
	assert.Equal(t, models.MockAccountName, acct.Name)

	acct.Cash = 5000
	require.NoError(t, store.SaveAccount(ctx, acct))
	got, err := store.Account(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, got.Cash)

	_, err = store.Account(ctx, 99)
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestMemoryStoreResetSimulation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Unix(1600000000, 0).UTC()

	_, err := store.EnsureAccount(ctx, 1, 1e7)
	require.NoError(t, err)
	require.NoError(t, store.SetLastTS(ctx, 1, &now))
	require.NoError(t, store.SavePosition(ctx, &models.OpenPosition{
		UserID: 1, RunnerID: 7, Symbol: "AAPL", Quantity: 10, AvgPrice: 100, CreatedAt: now,
	}))
	require.NoError(t, store.AppendTrade(ctx, &models.ExecutedTrade{
		ID: "t1", UserID: 1, RunnerID: 7, Symbol: "AAPL",
		BuyTS: now, SellTS: now, Quantity: 10,
	}))
	require.NoError(t, store.UpsertExecutions(ctx, []models.RunnerExecution{{
		RunnerID: 7, UserID: 1, Symbol: "AAPL", Strategy: "s",
		Status: models.StatusBuy, CycleSeq: 1, ExecutionTime: now, TimeframeMin: 5,
	}}))

	require.NoError(t, store.ResetSimulation(ctx, 1, 1e7))

	st, err := store.SimState(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, st.LastTS)
	pos, err := store.Position(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, pos)
	trades, err := store.CountTrades(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, trades)
	execs, err := store.CountExecutions(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, execs)
	acct, err := store.Account(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1e7, acct.Cash)
	assert.Equal(t, 1e7, acct.Equity)
}
