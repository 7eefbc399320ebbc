package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksim/internal/broker"
	"stocksim/internal/config"
	"stocksim/internal/health"
	"stocksim/internal/marketdata"
	"stocksim/internal/models"
	"stocksim/internal/storage"
	"stocksim/internal/strategy"
	"stocksim/internal/universe"
)

type fixture struct {
	engine   *Engine
	store    *storage.MemoryStore
	provider *marketdata.MemoryProvider
	cfg      *config.Config
	userID   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	cfg := config.Default()

	store := storage.NewMemoryStore()
	ctx := context.Background()
	user, err := store.EnsureUser(ctx, "analytics")
	require.NoError(t, err)
	_, err = store.EnsureAccount(ctx, user.ID, cfg.Broker.StartingCash)
	require.NoError(t, err)

	provider := marketdata.NewMemoryProvider()
	cutoff, err := cfg.CutoffDate()
	require.NoError(t, err)
	uni := universe.New(universe.Config{CutoffDate: cutoff}, provider, log)
	hlth := health.New(health.DefaultConfig, log)
	brk := broker.NewSimBroker(store, broker.Config{
		CommissionPerTrade: cfg.Broker.CommissionPerTrade,
		TickSize:           cfg.Broker.TickSize,
	}, log)

	return &fixture{
		engine:   New(store, provider, brk, uni, hlth, cfg, log, nil),
		store:    store,
		provider: provider,
		cfg:      cfg,
		userID:   user.ID,
	}
}

// etTime builds a UTC instant from an ET wall-clock reading.
func etTime(hour, min int) time.Time {
	return time.Date(2021, 3, 10, hour, min, 0, 0, marketdata.ETLocation()).UTC()
}

// seedCoverage gives a symbol daily history older than the IPO cutoff
// plus 5-minute coverage so the universe gate admits it.
func (f *fixture) seedCoverage(symbol string) {
	old := time.Date(2010, 1, 4, 5, 0, 0, 0, time.UTC)
	f.provider.Add(models.Bar{
		Symbol: symbol, TS: old, IntervalMin: models.DailyInterval,
		Open: 10, High: 10, Low: 10, Close: 10, Volume: 1,
	})
}

func (f *fixture) addBar(symbol string, ts time.Time, high, low, close float64) {
	f.provider.Add(models.Bar{
		Symbol: symbol, TS: ts, IntervalMin: 5,
		Open: close, High: high, Low: low, Close: close, Volume: 1000,
	})
}

func (f *fixture) addRunner(t *testing.T, symbol, strategyKey string, params models.Params) *models.Runner {
	t.Helper()
	r := &models.Runner{
		UserID:       f.userID,
		Name:         symbol + "-" + strategyKey,
		StrategyKey:  strategyKey,
		Stock:        symbol,
		TimeframeMin: 5,
		Parameters:   params,
	}
	require.NoError(t, f.store.CreateRunner(context.Background(), r))
	return r
}

func TestRunTickBuyAndIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCoverage("AAPL")
	r := f.addRunner(t, "AAPL", "below_above", models.Params{"buy_below": 105.0, "sell_above": 200.0})

	at := etTime(9, 30)
	f.addBar("AAPL", at, 101, 99, 100)

	report, err := f.engine.RunTick(ctx, f.userID, at)
	require.NoError(t, err)
	assert.Equal(t, at.Unix(), report.CycleSeq)
	assert.Equal(t, 1, report.ByStatus[models.StatusBuy])

	pos, err := f.store.Position(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	// Unit budget 2000 over a ~100 close buys 20 shares.
	assert.Equal(t, 20, pos.Quantity)
	assert.Greater(t, pos.TrailPercent, 0.0, "analytics mode injects a trailing stop")
	assert.GreaterOrEqual(t, pos.TrailPercent, f.cfg.Engine.MinIntradayTrailPct)

	// Replaying the same instant produces a same-bar skip that loses to
	// the existing buy row: the audit trail stays one row deep.
	_, err = f.engine.RunTick(ctx, f.userID, at)
	require.NoError(t, err)
	n, err := f.store.CountExecutions(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rows, err := f.store.LatestExecutions(ctx, f.userID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusBuy, rows[0].Status)
}

func TestRunTickTrailingStopExitAndCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCoverage("AAPL")
	r := f.addRunner(t, "AAPL", "below_above", models.Params{
		"buy_below": 105.0, "sell_above": 200.0, "trailing_stop_percent": 5.0,
	})

	t0 := etTime(9, 30)
	f.addBar("AAPL", t0, 101, 99, 100)
	_, err := f.engine.RunTick(ctx, f.userID, t0)
	require.NoError(t, err)
	pos, err := f.store.Position(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)

	// Next bar collapses below the 5% trail and fires the stop.
	t1 := t0.Add(5 * time.Minute)
	f.addBar("AAPL", t1, 100, 90, 92)
	report, err := f.engine.RunTick(ctx, f.userID, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByStatus[models.StatusSell])

	pos, err = f.store.Position(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, pos)
	trades, err := f.store.TradesForUser(ctx, f.userID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "trailing_stop_hit", trades[0].Reason)
	exec, err := f.store.LatestExecutions(ctx, f.userID, 1)
	require.NoError(t, err)
	require.Len(t, exec, 1)
	assert.Equal(t, "broker_stop_triggered", exec[0].Reason)
	assert.Contains(t, exec[0].Details, "trailing_stop_hit")

	// The very next bar would re-enter, but the cooldown holds it back.
	t2 := t1.Add(5 * time.Minute)
	f.addBar("AAPL", t2, 95, 91, 94)
	report, err = f.engine.RunTick(ctx, f.userID, t2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByStatus[models.StatusCompleted])
	rows, err := f.store.LatestExecutions(ctx, f.userID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, strings.HasPrefix(rows[0].Reason, "cooldown active"))
}

func TestRunTickUniverseDeny(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// No coverage seeded: the gate denies on the IPO cutoff check.
	f.addRunner(t, "NEWIPO", "below_above", models.Params{"buy_below": 105.0, "sell_above": 200.0})
	at := etTime(9, 30)
	f.addBar("NEWIPO", at, 101, 99, 100)

	report, err := f.engine.RunTick(ctx, f.userID, at)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByStatus[models.SkipExcludedUniverse])
}

func TestRunTickUnknownStrategy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCoverage("AAPL")
	f.addRunner(t, "AAPL", "does_not_exist", models.Params{})
	at := etTime(9, 30)
	f.addBar("AAPL", at, 101, 99, 100)

	report, err := f.engine.RunTick(ctx, f.userID, at)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByStatus[models.SkipUnknownStrategy])
}

func TestRunTickNoDataAndStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCoverage("AAPL")
	f.addRunner(t, "AAPL", "below_above", models.Params{"buy_below": 105.0, "sell_above": 200.0})

	// Coverage exists but the only bar prints after this tick. The run is
	// declared to start at 10:00 so the coverage scan stays satisfied.
	f.cfg.Timing.SimStartEpoch = etTime(10, 0).Unix()
	f.addBar("AAPL", etTime(10, 0), 101, 99, 100)
	report, err := f.engine.RunTick(ctx, f.userID, etTime(9, 30))
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByStatus[models.SkipNoData])

	// An hour later that bar is well past the staleness grace window.
	report, err = f.engine.RunTick(ctx, f.userID, etTime(11, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByStatus[models.SkipStalePrice])
}

func TestRunTickAccountTopUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct, err := f.store.Account(ctx, f.userID)
	require.NoError(t, err)
	acct.Cash = 100 // below the floor
	require.NoError(t, f.store.SaveAccount(ctx, acct))

	_, err = f.engine.RunTick(ctx, f.userID, etTime(9, 30))
	require.NoError(t, err)
	acct, err = f.store.Account(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.Engine.TopupCashTo, acct.Cash)
}

func TestRunTickSellOnStrategySignal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCoverage("AAPL")
	r := f.addRunner(t, "AAPL", "below_above", models.Params{
		"buy_below": 105.0, "sell_above": 110.0, "trailing_stop_percent": 50.0,
	})

	t0 := etTime(9, 30)
	f.addBar("AAPL", t0, 101, 99, 100)
	_, err := f.engine.RunTick(ctx, f.userID, t0)
	require.NoError(t, err)

	// Price gaps through the sell threshold without touching the wide trail.
	t1 := t0.Add(5 * time.Minute)
	f.addBar("AAPL", t1, 116, 109, 115)
	report, err := f.engine.RunTick(ctx, f.userID, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByStatus[models.StatusSell])

	pos, err := f.store.Position(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, pos)
	trades, err := f.store.TradesForUser(ctx, f.userID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Positive(t, trades[0].PnLAmount)
}

func TestTrailingPercentTakesLargest(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	intraday := models.RunnerView{TimeframeMin: 5}

	// The runner parameter outranks a smaller strategy percent.
	v := intraday
	v.Parameters = models.Params{"trailing_stop_percent": 5.0}
	d := &models.Decision{TrailStop: &models.TrailStopSpec{TrailingPercent: 2}}
	assert.Equal(t, 5.0, e.trailingPercent(v, d, 100))

	// And a larger strategy percent outranks the parameter.
	d = &models.Decision{TrailStop: &models.TrailStopSpec{TrailingPercent: 8}}
	assert.Equal(t, 8.0, e.trailingPercent(v, d, 100))

	// A dollar trail converts against the fill price.
	d = &models.Decision{TrailStop: &models.TrailStopSpec{TrailingAmount: 4}}
	assert.InDelta(t, 4.0, e.trailingPercent(intraday, d, 100), 1e-9)

	// With no inputs the intraday floor applies; daily runners get none.
	assert.Equal(t, f.cfg.Engine.MinIntradayTrailPct, e.trailingPercent(intraday, &models.Decision{}, 100))
	daily := models.RunnerView{TimeframeMin: models.DailyInterval}
	assert.Zero(t, e.trailingPercent(daily, &models.Decision{}, 100))
}

func TestRunTickCoverageQuarantine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCoverage("AAPL")
	f.addRunner(t, "AAPL", "below_above", models.Params{"buy_below": 105.0, "sell_above": 200.0})

	// Intraday history starts at 10:00 but the run is configured to start
	// at 9:30, so the pair is quarantined on first sight.
	f.cfg.Timing.SimStartEpoch = etTime(9, 30).Unix()
	f.addBar("AAPL", etTime(10, 0), 101, 99, 100)

	report, err := f.engine.RunTick(ctx, f.userID, etTime(10, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByStatus[models.SkipNoData])
	rows, err := f.store.LatestExecutions(ctx, f.userID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Reason, health.ReasonCoverage)
}

// recordingStrategy captures the last context it was asked to decide on.
type recordingStrategy struct {
	mu   sync.Mutex
	last strategy.Context
}

func (s *recordingStrategy) Key() string { return "ctx_recorder" }

func (s *recordingStrategy) DecideBuy(c strategy.Context) (*models.Decision, error) {
	s.mu.Lock()
	s.last = c
	s.mu.Unlock()
	return &models.Decision{Action: models.ActionNoAction, Reason: "watching"}, nil
}

func (s *recordingStrategy) DecideSell(c strategy.Context) (*models.Decision, error) {
	return s.DecideBuy(c)
}

var ctxRecorder = &recordingStrategy{}

func init() { strategy.Register(ctxRecorder) }

func TestRunTickStrategyContextTimeLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCoverage("AAPL")
	end := etTime(11, 30)
	r := &models.Runner{
		UserID: f.userID, Name: "AAPL-recorder", StrategyKey: "ctx_recorder",
		Stock: "AAPL", TimeframeMin: 5, TimeRangeTo: &end,
	}
	require.NoError(t, f.store.CreateRunner(ctx, r))

	at := etTime(9, 30)
	f.addBar("AAPL", at, 101, 99, 100)
	_, err := f.engine.RunTick(ctx, f.userID, at)
	require.NoError(t, err)

	ctxRecorder.mu.Lock()
	left := ctxRecorder.last.DistanceFromTimeLimit
	ctxRecorder.mu.Unlock()
	require.NotNil(t, left)
	assert.Equal(t, 2*time.Hour, *left)
}
