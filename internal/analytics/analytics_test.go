package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksim/internal/models"
	"stocksim/internal/storage"
)

func trade(symbol, strat, tf string, buy, sell time.Time, pnl, pct float64) models.ExecutedTrade {
	return models.ExecutedTrade{
		UserID: 1, RunnerID: 1, Symbol: symbol, Strategy: strat, Timeframe: tf,
		BuyTS: buy, SellTS: sell, BuyPrice: 100, SellPrice: 100 + pnl/10,
		Quantity: 10, PnLAmount: pnl, PnLPercent: pct,
	}
}

func TestSummarize(t *testing.T) {
	base := time.Date(2021, 3, 10, 15, 0, 0, 0, time.UTC)
	trades := []models.ExecutedTrade{
		trade("AAPL", "sma_cross", "5m", base, base.Add(time.Hour), 100, 10),
		trade("AAPL", "sma_cross", "5m", base.Add(time.Hour), base.Add(3*time.Hour), -50, -5),
		trade("AAPL", "sma_cross", "5m", base.Add(3*time.Hour), base.Add(4*time.Hour), 30, 3),
	}

	r := Summarize("AAPL", "sma_cross", "5m", trades)
	assert.Equal(t, 3, r.TradesCount)
	assert.InDelta(t, 80.0, r.FinalPnLAmount, 1e-9)
	// Percent is taken against total sell proceeds:
	// 80 / (1100 + 950 + 1030) * 100.
	assert.InDelta(t, 2.597403, r.FinalPnLPercent, 1e-9)
	// Compounded equity 1.10 -> 1.045 -> 1.07635 peaks at 1.10; the
	// deepest trough is (1.10 - 1.045) / 1.10 = 5%.
	assert.InDelta(t, 5.0, r.MaxDrawdown, 1e-9)
	assert.InDelta(t, 26.666667, r.AvgPnLPerTrade, 1e-6)
	// Durations 1h + 2h + 1h average to 4800s.
	assert.InDelta(t, 4800.0, r.AvgTradeDurationSec, 1e-9)
	// 1.10 * 0.95 * 1.03 = 1.07635.
	assert.InDelta(t, 7.635, r.CompoundedPercent, 1e-6)
	// 130 gross profit over 50 gross loss.
	assert.InDelta(t, 2.6, r.ProfitFactor, 1e-9)
	assert.InDelta(t, 5.640088, r.Sharpe, 1e-4)
	require.NotNil(t, r.StartTS)
	require.NotNil(t, r.EndTS)
	assert.Equal(t, base, *r.StartTS)
	assert.Equal(t, base.Add(4*time.Hour), *r.EndTS)
}

func TestSummarizeNoLossesLeavesProfitFactorZero(t *testing.T) {
	base := time.Date(2021, 3, 10, 15, 0, 0, 0, time.UTC)
	trades := []models.ExecutedTrade{
		trade("AAPL", "sma_cross", "5m", base, base.Add(time.Hour), 100, 10),
		trade("AAPL", "sma_cross", "5m", base.Add(time.Hour), base.Add(2*time.Hour), 20, 2),
	}
	r := Summarize("AAPL", "sma_cross", "5m", trades)
	assert.Zero(t, r.ProfitFactor, "undefined without losses")
	assert.Zero(t, r.MaxDrawdown)
	assert.InDelta(t, 12.2, r.CompoundedPercent, 1e-6)
	// 120 / (1100 + 1020) * 100.
	assert.InDelta(t, 5.660377, r.FinalPnLPercent, 1e-6)
}

func TestSummarizeDrawdownOnCompoundedCurve(t *testing.T) {
	base := time.Date(2021, 3, 10, 15, 0, 0, 0, time.UTC)
	trades := []models.ExecutedTrade{
		trade("AAPL", "sma_cross", "5m", base, base.Add(time.Hour), 100, 10),
		trade("AAPL", "sma_cross", "5m", base.Add(time.Hour), base.Add(2*time.Hour), -50, -5),
		trade("AAPL", "sma_cross", "5m", base.Add(2*time.Hour), base.Add(3*time.Hour), 70, 7),
	}
	r := Summarize("AAPL", "sma_cross", "5m", trades)
	// (1.10)(0.95)(1.07) - 1 = 0.11815.
	assert.InDelta(t, 11.815, r.CompoundedPercent, 1e-9)
	// Peak 1.10 to trough 1.045 is a 5% relative drawdown; the recovery
	// to 1.11815 never deepens it.
	assert.InDelta(t, 5.0, r.MaxDrawdown, 1e-9)
}

func TestSummarizeEmptyGroup(t *testing.T) {
	r := Summarize("AAPL", "sma_cross", "5m", nil)
	assert.Equal(t, 0, r.TradesCount)
	assert.Nil(t, r.StartTS)
	assert.Zero(t, r.FinalPnLAmount)
	assert.Zero(t, r.Sharpe)
}

func TestSummarizeSingleTradeSharpeZero(t *testing.T) {
	base := time.Date(2021, 3, 10, 15, 0, 0, 0, time.UTC)
	r := Summarize("AAPL", "sma_cross", "5m", []models.ExecutedTrade{
		trade("AAPL", "sma_cross", "5m", base, base.Add(time.Hour), 100, 10),
	})
	assert.Zero(t, r.Sharpe, "one trade has no dispersion")
}

func TestSummarizeTotalLossFloorsReturn(t *testing.T) {
	base := time.Date(2021, 3, 10, 15, 0, 0, 0, time.UTC)
	r := Summarize("AAPL", "sma_cross", "5m", []models.ExecutedTrade{
		trade("AAPL", "sma_cross", "5m", base, base.Add(time.Hour), -1500, -150),
		trade("AAPL", "sma_cross", "5m", base.Add(time.Hour), base.Add(2*time.Hour), 10, 1),
	})
	// A worse-than-total loss compounds as -100%, not below.
	assert.InDelta(t, -100.0, r.CompoundedPercent, 1e-9)
	assert.InDelta(t, 100.0, r.MaxDrawdown, 1e-9)
}

func TestRecomputePersistsSortedGroups(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	store := storage.NewMemoryStore()
	agg := New(store, log)

	base := time.Date(2021, 3, 10, 15, 0, 0, 0, time.UTC)
	for _, tr := range []models.ExecutedTrade{
		trade("MSFT", "sma_cross", "5m", base, base.Add(time.Hour), 50, 5),
		trade("AAPL", "rsi_reversion", "1d", base, base.Add(time.Hour), 30, 3),
		trade("AAPL", "rsi_reversion", "1d", base.Add(time.Hour), base.Add(2*time.Hour), -10, -1),
		trade("AAPL", "below_above", "5m", base, base.Add(time.Hour), 20, 2),
	} {
		tr := tr
		require.NoError(t, store.AppendTrade(ctx, &tr))
	}

	rows, err := agg.Recompute(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "below_above", rows[0].Strategy)
	assert.Equal(t, "rsi_reversion", rows[1].Strategy)
	assert.Equal(t, "MSFT", rows[2].Symbol)
	assert.Equal(t, 2, rows[1].TradesCount)

	persisted, err := store.AnalyticsResults(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 3)

	// Recompute is idempotent: re-running replaces rather than appends.
	rows, err = agg.Recompute(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	persisted, err = store.AnalyticsResults(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 3)
}
