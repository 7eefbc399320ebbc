package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityOrdering(t *testing.T) {
	assert.Greater(t, Severity(StatusError), Severity(StatusSell))
	assert.Greater(t, Severity(StatusSell), Severity(StatusBuy))
	assert.Greater(t, Severity(StatusBuy), Severity(StatusCompleted))
	assert.Greater(t, Severity(StatusCompleted), Severity(SkipNoData))
	assert.Equal(t, Severity(SkipSameBar), Severity(SkipStalePrice))
	assert.Equal(t, 0, Severity("something-else"))
}

func TestExecutionKeyBackfillsTimeframe(t *testing.T) {
	e := RunnerExecution{CycleSeq: 100, UserID: 1, Symbol: "AAPL", Strategy: "sma_cross"}
	assert.Equal(t, 5, e.Key().TimeframeMin)

	e.TimeframeMin = 1440
	assert.Equal(t, 1440, e.Key().TimeframeMin)
}

func TestTimeframeLabelRoundTrip(t *testing.T) {
	assert.Equal(t, "5m", TimeframeLabel(5))
	assert.Equal(t, "15m", TimeframeLabel(15))
	assert.Equal(t, "1d", TimeframeLabel(1440))

	assert.Equal(t, 5, ParseTimeframeLabel("5m"))
	assert.Equal(t, DailyInterval, ParseTimeframeLabel("1d"))
	assert.Equal(t, 5, ParseTimeframeLabel(""))
	assert.Equal(t, 5, ParseTimeframeLabel("garbage"))
}
