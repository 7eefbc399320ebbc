// Package analytics aggregates closed trades into per-(symbol, strategy,
// timeframe) performance rows: compounded return, profit factor, max
// drawdown, Sharpe ratio and trade durations.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"stocksim/internal/models"
	"stocksim/internal/storage"
	"stocksim/internal/util"
)

// annualizationFactor converts per-trade return statistics to an annual
// scale assuming one trade per trading day.
const annualizationFactor = 252

// Aggregator recomputes analytics rows from the trade log.
type Aggregator struct {
	store storage.Interface
	log   *logrus.Logger
}

// New creates an Aggregator.
func New(store storage.Interface, log *logrus.Logger) *Aggregator {
	return &Aggregator{store: store, log: log}
}

type groupKey struct {
	symbol    string
	strategy  string
	timeframe string
}

// Recompute rebuilds and persists every aggregate row for the user's
// trades. Rows are returned sorted by (symbol, strategy, timeframe).
func (a *Aggregator) Recompute(ctx context.Context, userID int64) ([]models.AnalyticsResult, error) {
	trades, err := a.store.TradesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	groups := make(map[groupKey][]models.ExecutedTrade)
	for _, t := range trades {
		k := groupKey{symbol: t.Symbol, strategy: t.Strategy, timeframe: t.Timeframe}
		groups[k] = append(groups[k], t)
	}
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.symbol != b.symbol {
			return a.symbol < b.symbol
		}
		if a.strategy != b.strategy {
			return a.strategy < b.strategy
		}
		return a.timeframe < b.timeframe
	})

	out := make([]models.AnalyticsResult, 0, len(keys))
	for _, k := range keys {
		r := Summarize(k.symbol, k.strategy, k.timeframe, groups[k])
		if err := a.store.UpsertAnalyticsResult(ctx, &r); err != nil {
			return nil, fmt.Errorf("upsert analytics %s/%s/%s: %w", k.symbol, k.strategy, k.timeframe, err)
		}
		out = append(out, r)
	}
	a.log.WithField("groups", len(out)).Info("analytics: recomputed")
	return out, nil
}

// Summarize computes one aggregate row from a group of closed trades.
// Trades are processed in sell-time order.
func Summarize(symbol, strategy, timeframe string, trades []models.ExecutedTrade) models.AnalyticsResult {
	r := models.AnalyticsResult{
		Symbol:      symbol,
		Strategy:    strategy,
		Timeframe:   timeframe,
		TradesCount: len(trades),
	}
	if len(trades) == 0 {
		return r
	}
	sorted := make([]models.ExecutedTrade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SellTS.Before(sorted[j].SellTS) })

	var (
		totalPnL    float64
		proceeds    float64
		grossProfit float64
		grossLoss   float64
		durationSum time.Duration
		maxDD       float64
		returns     = make([]float64, 0, len(sorted))
		startTS     = sorted[0].BuyTS
		endTS       = sorted[len(sorted)-1].SellTS
		compounded  = 1.0
		peak        = 1.0
	)
	for _, t := range sorted {
		totalPnL += t.PnLAmount
		proceeds += t.SellPrice * float64(t.Quantity)
		if t.PnLAmount > 0 {
			grossProfit += t.PnLAmount
		} else {
			grossLoss += -t.PnLAmount
		}
		durationSum += t.SellTS.Sub(t.BuyTS)
		if t.BuyTS.Before(startTS) {
			startTS = t.BuyTS
		}
		if t.SellTS.After(endTS) {
			endTS = t.SellTS
		}

		// Per-trade simple return, floored at total loss.
		ret := t.PnLPercent / 100
		if ret < -1 {
			ret = -1
		}
		returns = append(returns, ret)

		// Drawdown on the compounded equity curve, relative to its peak.
		compounded *= 1 + ret
		if compounded > peak {
			peak = compounded
		}
		if dd := (peak - compounded) / peak * 100; dd > maxDD {
			maxDD = dd
		}
	}

	r.StartTS = &startTS
	r.EndTS = &endTS
	r.FinalPnLAmount = util.Round6(totalPnL)
	if proceeds > 0 {
		r.FinalPnLPercent = util.Round6(totalPnL / proceeds * 100)
	}
	r.MaxDrawdown = util.Round6(maxDD)
	r.AvgPnLPerTrade = util.Round6(totalPnL / float64(len(sorted)))
	r.AvgTradeDurationSec = util.Round6(durationSum.Seconds() / float64(len(sorted)))
	r.CompoundedPercent = util.Round6((compounded - 1) * 100)
	if grossLoss > 0 {
		r.ProfitFactor = util.Round6(grossProfit / grossLoss)
	}
	r.Sharpe = util.Round6(sharpe(returns))
	return r
}

// sharpe computes the annualized Sharpe ratio of per-trade returns with a
// zero risk-free rate and sample standard deviation. Fewer than two
// trades, or zero variance, yields zero.
func sharpe(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)
	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(n - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(annualizationFactor)
}
