// Package engine evaluates every active runner against the virtual clock:
// prefetching candle windows, enforcing the universe, health, staleness
// and same-bar gates, dispatching strategy decisions to the mock broker,
// and persisting one idempotent execution row per runner per tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"stocksim/internal/broker"
	"stocksim/internal/config"
	"stocksim/internal/health"
	"stocksim/internal/marketdata"
	"stocksim/internal/metrics"
	"stocksim/internal/models"
	"stocksim/internal/retry"
	"stocksim/internal/storage"
	"stocksim/internal/strategy"
	"stocksim/internal/universe"
)

type barKey struct {
	runnerID int64
	tfMin    int
}

type seriesKey struct {
	symbol string
	tfMin  int
}

// Engine drives one simulation tick at a time. Per-runner evaluation runs
// concurrently under a weighted semaphore; execution rows are buffered
// and applied in a single idempotent upsert at the end of the tick.
type Engine struct {
	store    storage.Interface
	provider marketdata.Provider
	broker   broker.Broker
	universe *universe.Gate
	health   *health.Gate
	cfg      *config.Config
	log      *logrus.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	lastBar  map[barKey]time.Time
	cooldown map[int64]int
	coverage map[seriesKey]bool
}

// New wires an Engine. metrics may be nil.
func New(store storage.Interface, provider marketdata.Provider, brk broker.Broker,
	uni *universe.Gate, hlth *health.Gate, cfg *config.Config,
	log *logrus.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:    store,
		provider: provider,
		broker:   brk,
		universe: uni,
		health:   hlth,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		lastBar:  make(map[barKey]time.Time),
		cooldown: make(map[int64]int),
		coverage: make(map[seriesKey]bool),
	}
}

// TickReport summarizes one tick.
type TickReport struct {
	CycleSeq   int64
	Runners    int
	ByStatus   map[string]int
	Executions int
}

// RunTick evaluates all active runners of the user at the virtual instant.
func (e *Engine) RunTick(ctx context.Context, userID int64, at time.Time) (*TickReport, error) {
	started := time.Now()
	cycleSeq := at.Unix()
	report := &TickReport{CycleSeq: cycleSeq, ByStatus: make(map[string]int)}

	if err := e.topUpAccount(ctx, userID); err != nil {
		return nil, fmt.Errorf("account top-up: %w", err)
	}

	runners, err := e.store.ActiveRunners(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load runners: %w", err)
	}
	report.Runners = len(runners)
	if len(runners) == 0 {
		return report, nil
	}

	views := make([]models.RunnerView, 0, len(runners))
	symbols := make([]string, 0, len(runners))
	for i := range runners {
		views = append(views, runners[i].View())
		symbols = append(symbols, runners[i].Stock)
	}
	if err := e.universe.EnsureLoaded(ctx, symbols); err != nil {
		return nil, fmt.Errorf("universe load: %w", err)
	}

	cache, err := e.prefetch(ctx, views, at)
	if err != nil {
		return nil, fmt.Errorf("prefetch: %w", err)
	}

	sem := semaphore.NewWeighted(int64(e.cfg.Engine.RunnerParallelism))
	var (
		rowsMu sync.Mutex
		rows   []models.RunnerExecution
		wg     sync.WaitGroup
	)
	for _, view := range views {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(v models.RunnerView) {
			defer wg.Done()
			defer sem.Release(1)
			row := e.evalRunner(ctx, v, at, cycleSeq, cache)
			if row == nil {
				return
			}
			rowsMu.Lock()
			rows = append(rows, *row)
			rowsMu.Unlock()
		}(view)
	}
	wg.Wait()

	err = retry.Do(ctx, retry.DefaultConfig, e.log, "persist executions", func(ctx context.Context) error {
		return e.store.UpsertExecutions(ctx, rows)
	})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		report.ByStatus[row.Status]++
		e.metrics.ExecutionRecorded(row.Status)
	}
	report.Executions = len(rows)

	if err := e.markToMarket(ctx, userID, cache); err != nil {
		return nil, fmt.Errorf("mark to market: %w", err)
	}
	e.metrics.TickCompleted(time.Since(started).Seconds())
	e.metrics.SetClock(cycleSeq)
	return report, nil
}

// topUpAccount refills the mock account whenever cash drops below the
// floor, keeping budget exhaustion from starving the whole run.
func (e *Engine) topUpAccount(ctx context.Context, userID int64) error {
	acct, err := e.store.EnsureAccount(ctx, userID, e.cfg.Broker.StartingCash)
	if err != nil {
		return err
	}
	if acct.Cash >= e.cfg.Engine.MinCashFloor {
		return nil
	}
	e.log.WithFields(logrus.Fields{"cash": acct.Cash, "topup_to": e.cfg.Engine.TopupCashTo}).
		Info("engine: topping up mock account")
	acct.Cash = e.cfg.Engine.TopupCashTo
	return e.store.SaveAccount(ctx, acct)
}

// prefetch issues one bulk candle query per distinct timeframe.
func (e *Engine) prefetch(ctx context.Context, views []models.RunnerView, at time.Time) (map[seriesKey]marketdata.Series, error) {
	byTF := make(map[int][]string)
	seen := make(map[seriesKey]bool)
	for _, v := range views {
		dataSym := e.universe.MapSymbol(v.Stock)
		k := seriesKey{symbol: dataSym, tfMin: v.TimeframeMin}
		if seen[k] {
			continue
		}
		seen[k] = true
		byTF[v.TimeframeMin] = append(byTF[v.TimeframeMin], dataSym)
	}
	cache := make(map[seriesKey]marketdata.Series, len(seen))
	for tf, syms := range byTF {
		rthOnly := *e.cfg.Engine.RegularHoursOnly && tf < models.DailyInterval
		bulk, err := e.provider.BarsBulkUntil(ctx, syms, tf, at, e.cfg.Engine.LookbackBars, rthOnly)
		if err != nil {
			return nil, err
		}
		for sym, series := range bulk {
			cache[seriesKey{symbol: sym, tfMin: tf}] = series
		}
	}
	return cache, nil
}

// evalRunner runs the full per-runner gate chain and decision dispatch.
// Returns nil when the tick produces no row (suppressed daily same-bar).
func (e *Engine) evalRunner(ctx context.Context, v models.RunnerView, at time.Time, cycleSeq int64, cache map[seriesKey]marketdata.Series) *models.RunnerExecution {
	row := &models.RunnerExecution{
		RunnerID:      v.ID,
		UserID:        v.UserID,
		Symbol:        v.Stock,
		Strategy:      v.StrategyKey,
		CycleSeq:      cycleSeq,
		ExecutionTime: at,
		TimeframeMin:  v.TimeframeMin,
	}

	if allowed, reason := e.universe.Allowed(v.Stock); !allowed {
		row.Status = models.SkipExcludedUniverse
		row.Reason = reason
		return row
	}
	e.ensureCoverage(ctx, v, at)
	if excluded, reason := e.health.IsExcluded(v.Stock, v.TimeframeMin, at); excluded {
		row.Status = models.SkipNoData
		row.Reason = "health quarantine: " + reason
		return row
	}

	strat, ok := strategy.Get(v.StrategyKey)
	if !ok {
		row.Status = models.SkipUnknownStrategy
		row.Reason = fmt.Sprintf("strategy %q not registered", v.StrategyKey)
		return row
	}

	dataSym := e.universe.MapSymbol(v.Stock)
	series := cache[seriesKey{symbol: dataSym, tfMin: v.TimeframeMin}]
	if len(series.Bars) == 0 {
		e.health.RecordNoData(v.Stock, v.TimeframeMin, at)
		row.Status = models.SkipNoData
		row.Reason = "no candles as of tick"
		return row
	}

	lastTS := series.LastTS()
	if marketdata.StaleBar(lastTS, at, v.TimeframeMin) {
		row.Status = models.SkipStalePrice
		row.Reason = fmt.Sprintf("last bar %s stale at %s",
			lastTS.UTC().Format(time.RFC3339), at.UTC().Format(time.RFC3339))
		return row
	}

	advanced := e.markBar(v.ID, v.TimeframeMin, lastTS)
	if !advanced && *e.cfg.Engine.RequireBarAdvance {
		if v.TimeframeMin >= models.DailyInterval && *e.cfg.Engine.SuppressDailySameBar {
			return nil
		}
		row.Status = models.SkipSameBar
		if !*e.cfg.Engine.SummarizeSameBar {
			row.Reason = fmt.Sprintf("bar %s already processed", lastTS.UTC().Format(time.RFC3339))
		}
		return row
	}

	currentBar := series.Bars[len(series.Bars)-1]
	price := currentBar.Close

	// Protective stops run before the strategy sees the bar.
	if advanced {
		outcome, err := e.broker.OnBar(ctx, v, currentBar, at)
		if err != nil {
			e.health.RecordError(v.Stock, v.TimeframeMin, at)
			row.Status = models.StatusError
			row.Reason = fmt.Sprintf("stop evaluation: %v", err)
			return row
		}
		if outcome != nil {
			e.startCooldown(v.ID)
			e.metrics.TradeClosed()
			row.Status = models.StatusSell
			row.Reason = "broker_stop_triggered"
			row.Details = fmt.Sprintf("%s qty=%d price=%.4f pnl=%.4f",
				outcome.Trade.Reason, outcome.Trade.Quantity, outcome.ExecPrice, outcome.Trade.PnLAmount)
			return row
		}
	}

	pos, err := e.broker.Position(ctx, v.ID)
	if err != nil {
		e.health.RecordError(v.Stock, v.TimeframeMin, at)
		row.Status = models.StatusError
		row.Reason = fmt.Sprintf("load position: %v", err)
		return row
	}

	sctx := strategy.Context{
		Runner:       v,
		Position:     pos,
		CurrentPrice: price,
		Candles:      series.Bars,
	}
	if v.TimeRangeTo != nil {
		left := v.TimeRangeTo.Sub(at)
		sctx.DistanceFromTimeLimit = &left
	}
	var decision *models.Decision
	if pos != nil {
		decision, err = strat.DecideSell(sctx)
	} else {
		decision, err = strat.DecideBuy(sctx)
	}
	if err != nil {
		if errors.Is(err, strategy.ErrInsufficientData) {
			row.Status = models.SkipIndicator
			row.Reason = err.Error()
			return row
		}
		e.health.RecordError(v.Stock, v.TimeframeMin, at)
		row.Status = models.StatusError
		row.Reason = fmt.Sprintf("strategy: %v", err)
		return row
	}
	e.health.MarkCleanPass(v.Stock, v.TimeframeMin)

	if err := models.ValidateDecision(decision, e.cfg.IsAnalyticsMode()); err != nil {
		row.Status = models.SkipBuildFailed
		row.Reason = err.Error()
		return row
	}
	return e.dispatch(ctx, v, decision, series, price, at, row)
}

// dispatch applies a validated decision to the broker and fills in the
// execution row.
func (e *Engine) dispatch(ctx context.Context, v models.RunnerView, d *models.Decision,
	series marketdata.Series, price float64, at time.Time, row *models.RunnerExecution) *models.RunnerExecution {
	switch d.Action {
	case models.ActionNoAction:
		row.Status = models.StatusCompleted
		row.Reason = d.Reason
		if !*e.cfg.Engine.ThinNoActionDetails {
			row.Details = d.Explanation
		}
		return row

	case models.ActionBuy:
		if n := e.cooldownRemaining(v.ID); n > 0 {
			row.Status = models.StatusCompleted
			row.Reason = fmt.Sprintf("cooldown active (%d bars left)", n)
			return row
		}
		if d.Quantity == 0 {
			d.Quantity = e.sizeOrder(v, price)
		}
		if d.Quantity <= 0 {
			row.Status = models.SkipNoBudget
			row.Reason = fmt.Sprintf("budget too small for price %.2f", price)
			return row
		}
		trailPct := e.trailingPercent(v, d, price)
		e.injectStaticStop(v, d, price)
		pos, err := e.broker.Buy(ctx, v, d, price, at)
		if err != nil {
			return e.brokerFailure(v, at, row, err, "buy")
		}
		if err := e.broker.ArmTrailingStopOnce(ctx, v, trailPct, at); err != nil {
			e.log.WithError(err).WithField("runner", v.ID).
				Warn("engine: arming trailing stop")
		}
		row.Status = models.StatusBuy
		row.Reason = d.Reason
		row.Details = fmt.Sprintf("qty=%d price=%.4f", pos.Quantity, pos.AvgPrice)
		if series.ExtendedHours {
			row.Details += " extended_hours"
		}
		return row

	case models.ActionSell:
		outcome, err := e.broker.SellAll(ctx, v, d, d.SellReason(), price, at)
		if err != nil {
			if errors.Is(err, broker.ErrNoPosition) {
				row.Status = models.StatusCompleted
				row.Reason = "no open position to sell"
				return row
			}
			return e.brokerFailure(v, at, row, err, "sell")
		}
		e.metrics.TradeClosed()
		row.Status = models.StatusSell
		row.Reason = outcome.Trade.Reason
		row.Details = fmt.Sprintf("qty=%d price=%.4f pnl=%.4f",
			outcome.Trade.Quantity, outcome.ExecPrice, outcome.Trade.PnLAmount)
		return row
	}
	row.Status = models.SkipBuildFailed
	row.Reason = models.ErrUnknownAction.Error()
	return row
}

func (e *Engine) brokerFailure(v models.RunnerView, at time.Time, row *models.RunnerExecution, err error, op string) *models.RunnerExecution {
	switch {
	case errors.Is(err, broker.ErrLimitNotMarketable):
		row.Status = models.SkipLimitNotMarketable
		row.Reason = err.Error()
	case errors.Is(err, broker.ErrInsufficientCash):
		row.Status = models.SkipNoBudget
		row.Reason = err.Error()
	default:
		e.health.RecordError(v.Stock, v.TimeframeMin, at)
		row.Status = models.StatusError
		row.Reason = fmt.Sprintf("%s: %v", op, err)
	}
	return row
}

// sizeOrder computes the share count from the per-entry budget: the
// smaller of the runner's own budget and the engine unit budget, both
// when positive.
func (e *Engine) sizeOrder(v models.RunnerView, price float64) int {
	budget := e.cfg.Engine.UnitBudget
	if v.Budget > 0 && v.Budget < budget {
		budget = v.Budget
	}
	return int(math.Floor(budget / math.Max(price, 0.01)))
}

// trailingPercent resolves the trailing stop armed after a fill: the
// largest of the strategy-supplied percent, the runner's
// trailing_stop_percent parameter, and (intraday only) the configured
// minimum. A strategy-supplied dollar amount converts against the
// current price.
func (e *Engine) trailingPercent(v models.RunnerView, d *models.Decision, price float64) float64 {
	var pct float64
	if d.TrailStop != nil {
		pct = d.TrailStop.TrailingPercent
		if pct <= 0 && d.TrailStop.TrailingAmount > 0 && price > 0 {
			pct = d.TrailStop.TrailingAmount / price * 100
		}
	}
	if p := v.Parameters.Float("trailing_stop_percent", 0); p > pct {
		pct = p
	}
	if v.TimeframeMin < models.DailyInterval && e.cfg.Engine.MinIntradayTrailPct > pct {
		pct = e.cfg.Engine.MinIntradayTrailPct
	}
	return pct
}

// injectStaticStop backfills a protective stop for a stop-less analytics
// BUY from the default_stop_loss_percent parameter.
func (e *Engine) injectStaticStop(v models.RunnerView, d *models.Decision, price float64) {
	if !e.cfg.IsAnalyticsMode() || d.StaticStop != nil || d.TrailStop != nil {
		return
	}
	if pct := v.Parameters.Float("default_stop_loss_percent", 0); pct > 0 {
		d.StaticStop = &models.StaticStopSpec{StopPrice: price * (1 - pct/100)}
	}
}

// ensureCoverage runs the once-per-pair coverage scan: a pair whose
// earliest stored bar postdates the simulation start (or that has no
// bars at all) is quarantined immediately.
func (e *Engine) ensureCoverage(ctx context.Context, v models.RunnerView, at time.Time) {
	dataSym := e.universe.MapSymbol(v.Stock)
	k := seriesKey{symbol: dataSym, tfMin: v.TimeframeMin}
	e.mu.Lock()
	if e.coverage[k] {
		e.mu.Unlock()
		return
	}
	e.coverage[k] = true
	e.mu.Unlock()

	start := e.cfg.SimStart()
	if start.IsZero() {
		start = at
	}
	var (
		earliest *time.Time
		err      error
	)
	if v.TimeframeMin >= models.DailyInterval {
		earliest, err = e.provider.EarliestDaily(ctx, dataSym)
	} else {
		earliest, err = e.provider.EarliestMinute(ctx, dataSym, v.TimeframeMin)
	}
	if err != nil {
		e.log.WithError(err).WithField("symbol", dataSym).
			Warn("engine: coverage scan failed")
		return
	}
	if earliest == nil || earliest.After(start) {
		e.health.ExcludeForCoverage(v.Stock, v.TimeframeMin, at)
	}
}

// markBar records the newest processed bar for the (runner, timeframe)
// pair and reports whether it advanced. Advancement ticks the cooldown.
func (e *Engine) markBar(runnerID int64, tfMin int, lastTS time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := barKey{runnerID: runnerID, tfMin: tfMin}
	prev, seen := e.lastBar[k]
	if seen && !lastTS.After(prev) {
		return false
	}
	e.lastBar[k] = lastTS
	if seen && e.cooldown[runnerID] > 0 {
		e.cooldown[runnerID]--
	}
	return true
}

func (e *Engine) startCooldown(runnerID int64) {
	if e.cfg.Engine.CooldownAfterStop <= 0 {
		return
	}
	e.mu.Lock()
	e.cooldown[runnerID] = e.cfg.Engine.CooldownAfterStop
	e.mu.Unlock()
}

func (e *Engine) cooldownRemaining(runnerID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldown[runnerID]
}

// markToMarket revalues the account using the freshest cached closes.
func (e *Engine) markToMarket(ctx context.Context, userID int64, cache map[seriesKey]marketdata.Series) error {
	latest := make(map[string]float64)
	for k, series := range cache {
		if len(series.Bars) == 0 {
			continue
		}
		close := series.Bars[len(series.Bars)-1].Close
		// Prefer the finest timeframe's close per symbol.
		if _, ok := latest[k.symbol]; !ok || k.tfMin < models.DailyInterval {
			latest[k.symbol] = close
		}
	}
	priceOf := func(symbol string) (float64, bool) {
		if p, ok := latest[e.universe.MapSymbol(symbol)]; ok {
			return p, true
		}
		p, ok := latest[symbol]
		return p, ok
	}
	if err := e.broker.MarkToMarketAll(ctx, userID, priceOf); err != nil {
		return err
	}
	if acct, err := e.store.Account(ctx, userID); err == nil {
		e.metrics.SetAccount(acct.Cash, acct.Equity)
	}
	if positions, err := e.store.PositionsForUser(ctx, userID); err == nil {
		e.metrics.SetOpenPositions(len(positions))
	}
	return nil
}
