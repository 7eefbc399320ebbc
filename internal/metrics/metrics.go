// Package metrics exposes Prometheus instrumentation for the simulator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the simulator's collectors. A nil *Metrics is a valid
// no-op receiver so wiring stays optional in tests.
type Metrics struct {
	ticksTotal      prometheus.Counter
	tickDuration    prometheus.Histogram
	executionsTotal *prometheus.CounterVec
	tradesTotal     prometheus.Counter
	openPositions   prometheus.Gauge
	accountCash     prometheus.Gauge
	accountEquity   prometheus.Gauge
	simClock        prometheus.Gauge
}

// New registers the simulator collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ticksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stocksim_ticks_total",
			Help: "Completed simulation ticks.",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stocksim_tick_duration_seconds",
			Help:    "Wall-clock duration of one simulation tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksim_executions_total",
			Help: "Runner execution rows by status.",
		}, []string{"status"}),
		tradesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stocksim_trades_total",
			Help: "Closed round-trip trades.",
		}),
		openPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stocksim_open_positions",
			Help: "Currently open positions.",
		}),
		accountCash: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stocksim_account_cash",
			Help: "Mock account cash balance.",
		}),
		accountEquity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stocksim_account_equity",
			Help: "Mock account marked-to-market equity.",
		}),
		simClock: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stocksim_clock_epoch_seconds",
			Help: "Current virtual clock position.",
		}),
	}
}

// TickCompleted records one finished tick and its duration in seconds.
func (m *Metrics) TickCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.ticksTotal.Inc()
	m.tickDuration.Observe(seconds)
}

// ExecutionRecorded counts one execution row.
func (m *Metrics) ExecutionRecorded(status string) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
}

// TradeClosed counts one closed round trip.
func (m *Metrics) TradeClosed() {
	if m == nil {
		return
	}
	m.tradesTotal.Inc()
}

// SetOpenPositions publishes the open position count.
func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

// SetAccount publishes the account balances.
func (m *Metrics) SetAccount(cash, equity float64) {
	if m == nil {
		return
	}
	m.accountCash.Set(cash)
	m.accountEquity.Set(equity)
}

// SetClock publishes the virtual clock position.
func (m *Metrics) SetClock(epoch int64) {
	if m == nil {
		return
	}
	m.simClock.Set(float64(epoch))
}
