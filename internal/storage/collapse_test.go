package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksim/internal/models"
)

func execRow(status string, seq int64, tf int) models.RunnerExecution {
	return models.RunnerExecution{
		RunnerID:      1,
		UserID:        1,
		Symbol:        "AAPL",
		Strategy:      "sma_cross",
		Status:        status,
		CycleSeq:      seq,
		ExecutionTime: time.Unix(seq, 0).UTC(),
		TimeframeMin:  tf,
	}
}

func TestCollapseKeepsHigherSeverity(t *testing.T) {
	rows := []models.RunnerExecution{
		execRow(models.StatusSell, 100, 5),
		execRow(models.SkipSameBar, 100, 5),
	}
	out := CollapseExecutions(rows)
	require.Len(t, out, 1)
	assert.Equal(t, models.StatusSell, out[0].Status)

	// Order within the batch must not matter.
	out = CollapseExecutions([]models.RunnerExecution{rows[1], rows[0]})
	require.Len(t, out, 1)
	assert.Equal(t, models.StatusSell, out[0].Status)
}

func TestCollapseDistinctKeysSurvive(t *testing.T) {
	rows := []models.RunnerExecution{
		execRow(models.StatusBuy, 100, 5),
		execRow(models.StatusBuy, 100, 1440),
		execRow(models.StatusBuy, 200, 5),
	}
	out := CollapseExecutions(rows)
	assert.Len(t, out, 3)
}

func TestCollapseZeroTimeframeMergesWithFive(t *testing.T) {
	a := execRow(models.StatusBuy, 100, 0)
	b := execRow(models.StatusSell, 100, 5)
	out := CollapseExecutions([]models.RunnerExecution{a, b})
	require.Len(t, out, 1)
	assert.Equal(t, models.StatusSell, out[0].Status)
	assert.Equal(t, 5, out[0].TimeframeMin)
}

func TestCollapseTieBreaks(t *testing.T) {
	withDetails := execRow(models.StatusCompleted, 100, 5)
	withDetails.Details = "rsi=28.1"
	bare := execRow(models.StatusCompleted, 100, 5)

	out := CollapseExecutions([]models.RunnerExecution{bare, withDetails})
	require.Len(t, out, 1)
	assert.Equal(t, "rsi=28.1", out[0].Details)

	later := execRow(models.StatusCompleted, 100, 5)
	later.ExecutionTime = later.ExecutionTime.Add(time.Minute)
	out = CollapseExecutions([]models.RunnerExecution{later, execRow(models.StatusCompleted, 100, 5)})
	require.Len(t, out, 1)
	assert.Equal(t, later.ExecutionTime, out[0].ExecutionTime)
}

func TestCollapsePreservesBatchOrder(t *testing.T) {
	rows := []models.RunnerExecution{
		execRow(models.StatusBuy, 300, 5),
		execRow(models.StatusBuy, 100, 5),
		execRow(models.StatusBuy, 200, 5),
	}
	out := CollapseExecutions(rows)
	require.Len(t, out, 3)
	assert.Equal(t, int64(300), out[0].CycleSeq)
	assert.Equal(t, int64(100), out[1].CycleSeq)
	assert.Equal(t, int64(200), out[2].CycleSeq)
}
