package models

import (
	"strings"
	"time"
)

// OpenPosition is the single open position a runner may hold. Owned
// exclusively by the mock broker: created on BUY, mutated for trailing
// bookkeeping on ticks, deleted on SELL.
type OpenPosition struct {
	UserID       int64      `json:"user_id"`
	RunnerID     int64      `json:"runner_id"`
	Symbol       string     `json:"symbol"`
	Account      string     `json:"account"`
	Quantity     int        `json:"quantity"`
	AvgPrice     float64    `json:"avg_price"`
	CreatedAt    time.Time  `json:"created_at"`
	StopPrice    float64    `json:"stop_price,omitempty"`
	TrailPercent float64    `json:"trail_percent,omitempty"`
	HighestPrice float64    `json:"highest_price,omitempty"`
	ActivationTS *time.Time `json:"activation_ts,omitempty"`
}

// Order statuses.
const (
	OrderStatusFilled   = "filled"
	OrderStatusRejected = "rejected"
)

// Order is an append-only record of a broker order.
type Order struct {
	ID         string     `json:"id"`
	UserID     int64      `json:"user_id"`
	RunnerID   int64      `json:"runner_id"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	OrderType  OrderType  `json:"order_type"`
	Quantity   int        `json:"quantity"`
	LimitPrice float64    `json:"limit_price,omitempty"`
	StopPrice  float64    `json:"stop_price,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FilledAt   *time.Time `json:"filled_at,omitempty"`
	Details    string     `json:"details,omitempty"`
}

// ExecutedTrade is an append-only round trip: written only when a SELL
// closes a position.
type ExecutedTrade struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	RunnerID   int64     `json:"runner_id"`
	Symbol     string    `json:"symbol"`
	BuyTS      time.Time `json:"buy_ts"`
	SellTS     time.Time `json:"sell_ts"`
	BuyPrice   float64   `json:"buy_price"`
	SellPrice  float64   `json:"sell_price"`
	Quantity   int       `json:"quantity"`
	PnLAmount  float64   `json:"pnl_amount"`
	PnLPercent float64   `json:"pnl_percent"`
	Strategy   string    `json:"strategy"`
	Timeframe  string    `json:"timeframe"`
	Reason     string    `json:"reason,omitempty"`
}

// RunnerExecution statuses. The skipped-* family shares one severity band;
// see Severity.
const (
	StatusBuy              = "buy"
	StatusSell             = "sell"
	StatusCompleted        = "completed"
	StatusError            = "error"
	SkipExcludedUniverse   = "skipped-excluded-universe"
	SkipUnknownStrategy    = "skipped-unknown-strategy"
	SkipNoData             = "skipped-no-data"
	SkipStalePrice         = "skipped-stale-price"
	SkipSameBar            = "skipped-same-bar"
	SkipBuildFailed        = "skipped-build_failed"
	SkipNoBudget           = "skipped-no-budget"
	SkipLimitNotMarketable = "skipped-limit-not-marketable"
	SkipIndicator          = "skipped-indicator"
)

// RunnerExecution is the per-tick audit row. The idempotency key is
// (cycle_seq, user_id, symbol, strategy, timeframe).
type RunnerExecution struct {
	ID            int64     `json:"id"`
	RunnerID      int64     `json:"runner_id"`
	UserID        int64     `json:"user_id"`
	Symbol        string    `json:"symbol"`
	Strategy      string    `json:"strategy"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Details       string    `json:"details,omitempty"`
	CycleSeq      int64     `json:"cycle_seq"`
	ExecutionTime time.Time `json:"execution_time"`
	TimeframeMin  int       `json:"timeframe"`
}

// Key returns the idempotency key of the execution row. The timeframe is
// backfilled to 5 when absent, matching legacy rows written without one.
func (e *RunnerExecution) Key() ExecutionKey {
	tf := e.TimeframeMin
	if tf == 0 {
		tf = 5
	}
	return ExecutionKey{
		CycleSeq:     e.CycleSeq,
		UserID:       e.UserID,
		Symbol:       e.Symbol,
		Strategy:     e.Strategy,
		TimeframeMin: tf,
	}
}

// ExecutionKey is the conflict key for idempotent execution upserts.
type ExecutionKey struct {
	CycleSeq     int64
	UserID       int64
	Symbol       string
	Strategy     string
	TimeframeMin int
}

// Severity ranks execution statuses so that duplicate rows for the same
// key collapse to the most informative one:
// error > sell > buy > completed > skipped-* > other.
func Severity(status string) int {
	switch {
	case status == StatusError:
		return 50
	case status == StatusSell:
		return 40
	case status == StatusBuy:
		return 30
	case status == StatusCompleted:
		return 20
	case strings.HasPrefix(status, "skipped-"):
		return 10
	default:
		return 0
	}
}

// AnalyticsResult is the aggregated outcome of one (symbol, strategy,
// timeframe) tuple over all of its closed trades.
type AnalyticsResult struct {
	Symbol              string     `json:"symbol"`
	Strategy            string     `json:"strategy"`
	Timeframe           string     `json:"timeframe"`
	StartTS             *time.Time `json:"start_ts,omitempty"`
	EndTS               *time.Time `json:"end_ts,omitempty"`
	FinalPnLAmount      float64    `json:"final_pnl_amount"`
	FinalPnLPercent     float64    `json:"final_pnl_percent"`
	TradesCount         int        `json:"trades_count"`
	MaxDrawdown         float64    `json:"max_drawdown,omitempty"`
	AvgPnLPerTrade      float64    `json:"avg_pnl_per_trade,omitempty"`
	AvgTradeDurationSec float64    `json:"avg_trade_duration_sec,omitempty"`
	ProfitFactor        float64    `json:"profit_factor,omitempty"`
	Sharpe              float64    `json:"sharpe,omitempty"`
	CompoundedPercent   float64    `json:"compounded_percent,omitempty"`
}
