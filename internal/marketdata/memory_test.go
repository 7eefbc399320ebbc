package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksim/internal/models"
)

func minuteBar(symbol string, ts time.Time, close float64) models.Bar {
	return models.Bar{
		Symbol: symbol, TS: ts, IntervalMin: 5,
		Open: close, High: close + 0.5, Low: close - 0.5, Close: close, Volume: 1000,
	}
}

func TestMemoryProviderBarsUntilRTHFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()
	open := etTime(2021, 3, 10, 9, 30)

	m.Add(
		minuteBar("aapl", etTime(2021, 3, 10, 8, 0), 99),   // pre-market
		minuteBar("AAPL", open, 100),
		minuteBar("AAPL", open.Add(5*time.Minute), 101),
		minuteBar("AAPL", etTime(2021, 3, 10, 17, 0), 102), // after hours
	)

	bars, err := m.BarsUntil(ctx, "AAPL", 5, etTime(2021, 3, 10, 18, 0), 10, true)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 100.0, bars[0].Close)
	assert.Equal(t, 101.0, bars[1].Close)

	// Without the RTH filter all four bars come back.
	bars, err = m.BarsUntil(ctx, "AAPL", 5, etTime(2021, 3, 10, 18, 0), 10, false)
	require.NoError(t, err)
	assert.Len(t, bars, 4)
}

func TestMemoryProviderExtendedHoursFallback(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()
	m.Add(minuteBar("AAPL", etTime(2021, 3, 10, 8, 0), 99))

	res, err := m.BarsBulkUntil(ctx, []string{"AAPL"}, 5, etTime(2021, 3, 10, 18, 0), 10, true)
	require.NoError(t, err)
	series := res["AAPL"]
	require.Len(t, series.Bars, 1)
	assert.True(t, series.ExtendedHours, "all-extended window must carry the fallback tag")
}

func TestMemoryProviderLookbackTrim(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()
	open := etTime(2021, 3, 10, 9, 30)
	for i := 0; i < 10; i++ {
		m.Add(minuteBar("AAPL", open.Add(time.Duration(i)*5*time.Minute), 100+float64(i)))
	}
	bars, err := m.BarsUntil(ctx, "AAPL", 5, open.Add(time.Hour), 3, true)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 107.0, bars[0].Close, "trim keeps the newest bars")
}

func TestMemoryProviderAddLastWriteWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()
	ts := etTime(2021, 3, 10, 9, 30)
	m.Add(minuteBar("AAPL", ts, 100))
	m.Add(minuteBar("AAPL", ts, 105))

	bars, err := m.BarsUntil(ctx, "AAPL", 5, ts, 10, false)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 105.0, bars[0].Close)
}

func TestMemoryProviderNextSessionTS(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()
	open := etTime(2021, 3, 10, 9, 30)
	m.Add(
		minuteBar("AAPL", etTime(2021, 3, 10, 8, 0), 99), // pre-market, skipped
		minuteBar("AAPL", open, 100),
		minuteBar("AAPL", open.Add(5*time.Minute), 101),
	)

	next, err := m.NextSessionTS(ctx, etTime(2021, 3, 10, 7, 0), 5, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, open, *next, "pre-market bar is skipped")

	next, err = m.NextSessionTS(ctx, open, 5, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, open.Add(5*time.Minute), *next, "strictly-after semantics")

	next, err = m.NextSessionTS(ctx, open.Add(5*time.Minute), 5, "AAPL")
	require.NoError(t, err)
	assert.Nil(t, next, "no further session bars")
}

func TestMemoryProviderLastCloseAndCoverage(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()
	open := etTime(2021, 3, 10, 9, 30)
	m.Add(
		minuteBar("AAPL", open, 100),
		minuteBar("AAPL", etTime(2021, 3, 10, 17, 0), 107), // after hours
	)

	closes, err := m.LastCloseFor(ctx, []string{"AAPL", "MSFT"}, 5, etTime(2021, 3, 10, 18, 0), true)
	require.NoError(t, err)
	assert.Equal(t, 100.0, closes["AAPL"], "RTH filter skips the after-hours print")
	_, ok := closes["MSFT"]
	assert.False(t, ok)

	hasMin, err := m.HasMinute(ctx, "AAPL", 5)
	require.NoError(t, err)
	assert.True(t, hasMin)
	hasDaily, err := m.HasDaily(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, hasDaily)

	earliest, err := m.EarliestAny(ctx)
	require.NoError(t, err)
	require.NotNil(t, earliest)
	assert.Equal(t, open, *earliest)
}
