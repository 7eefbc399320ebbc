// Package health implements the per-(symbol, timeframe) quarantine FSM.
// Pairs that keep producing no-data or error signals degrade and are
// eventually excluded for a TTL; coverage gaps exclude immediately. State
// is process-local; loss on restart is acceptable because the coverage
// scan reruns.
package health

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stocksim/internal/marketdata"
)

// State of a (symbol, timeframe) pair.
type State string

// FSM states.
const (
	StateHealthy  State = "HEALTHY"
	StateDegraded State = "DEGRADED"
	StateExcluded State = "EXCLUDED"
)

// ReasonCoverage marks exclusions caused by missing provider coverage
// rather than accumulated failures.
const ReasonCoverage = "coverage"

// Config tunes the FSM thresholds.
type Config struct {
	TTLDays                  int // exclusion duration
	DegradeThreshold         int // consecutive failures before DEGRADED
	ExcludeThresholdSessions int // windowed failures before EXCLUDED
	WindowDays               int // ET-day window for the session count
}

// DefaultConfig mirrors the documented defaults.
var DefaultConfig = Config{
	TTLDays:                  5,
	DegradeThreshold:         3,
	ExcludeThresholdSessions: 10,
	WindowDays:               5,
}

type pairState struct {
	state             State
	reason            string
	consecutiveNoData int
	consecutiveErrors int
	dayCounts         map[string]int // ET day -> failure count
	excludedUntil     time.Time
}

type pairKey struct {
	symbol string
	tfMin  int
}

// Gate tracks health per (upper(symbol), timeframe) pair. All methods are
// safe for concurrent use; the engine's workers record events in parallel.
type Gate struct {
	mu    sync.Mutex
	cfg   Config
	log   *logrus.Logger
	pairs map[pairKey]*pairState
}

// New creates a Gate. Zero-valued config fields fall back to defaults.
func New(cfg Config, log *logrus.Logger) *Gate {
	if cfg.TTLDays <= 0 {
		cfg.TTLDays = DefaultConfig.TTLDays
	}
	if cfg.DegradeThreshold <= 0 {
		cfg.DegradeThreshold = DefaultConfig.DegradeThreshold
	}
	if cfg.ExcludeThresholdSessions <= 0 {
		cfg.ExcludeThresholdSessions = DefaultConfig.ExcludeThresholdSessions
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultConfig.WindowDays
	}
	return &Gate{cfg: cfg, log: log, pairs: make(map[pairKey]*pairState)}
}

func (g *Gate) pair(symbol string, tfMin int) *pairState {
	k := pairKey{symbol: strings.ToUpper(symbol), tfMin: tfMin}
	ps, ok := g.pairs[k]
	if !ok {
		ps = &pairState{state: StateHealthy, dayCounts: make(map[string]int)}
		g.pairs[k] = ps
	}
	return ps
}

// RecordNoData registers a no-data signal at the given sim instant.
func (g *Gate) RecordNoData(symbol string, tfMin int, at time.Time) {
	g.record(symbol, tfMin, at, false)
}

// RecordError registers an error signal at the given sim instant.
func (g *Gate) RecordError(symbol string, tfMin int, at time.Time) {
	g.record(symbol, tfMin, at, true)
}

func (g *Gate) record(symbol string, tfMin int, at time.Time, isError bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ps := g.pair(symbol, tfMin)
	if ps.state == StateExcluded {
		return
	}
	if isError {
		ps.consecutiveErrors++
	} else {
		ps.consecutiveNoData++
	}
	day := marketdata.ETDay(at)
	ps.dayCounts[day]++
	g.pruneDays(ps)

	if ps.state == StateHealthy &&
		(ps.consecutiveNoData >= g.cfg.DegradeThreshold || ps.consecutiveErrors >= g.cfg.DegradeThreshold) {
		ps.state = StateDegraded
		g.log.WithFields(logrus.Fields{"symbol": strings.ToUpper(symbol), "tf": tfMin}).
			Warn("health: pair degraded")
	}
	if g.windowSum(ps) >= g.cfg.ExcludeThresholdSessions {
		g.exclude(symbol, tfMin, ps, at, "failure window exceeded")
	}
}

// ExcludeForCoverage immediately excludes a pair whose provider coverage
// cannot serve the simulation window.
func (g *Gate) ExcludeForCoverage(symbol string, tfMin int, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ps := g.pair(symbol, tfMin)
	if ps.state == StateExcluded {
		return
	}
	g.exclude(symbol, tfMin, ps, at, ReasonCoverage)
}

func (g *Gate) exclude(symbol string, tfMin int, ps *pairState, at time.Time, reason string) {
	ps.state = StateExcluded
	ps.reason = reason
	ps.excludedUntil = at.Add(time.Duration(g.cfg.TTLDays) * 24 * time.Hour)
	g.log.WithFields(logrus.Fields{
		"symbol": strings.ToUpper(symbol),
		"tf":     tfMin,
		"reason": reason,
		"until":  ps.excludedUntil,
	}).Warn("health: pair excluded")
}

// MarkCleanPass resets the consecutive failure counters after a pair
// produced usable data.
func (g *Gate) MarkCleanPass(symbol string, tfMin int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ps := g.pair(symbol, tfMin)
	ps.consecutiveNoData = 0
	ps.consecutiveErrors = 0
	if ps.state == StateDegraded {
		ps.state = StateHealthy
	}
}

// IsExcluded reports whether the pair is currently quarantined, together
// with the exclusion reason. Expired exclusions re-admit the pair and
// reset all counters.
func (g *Gate) IsExcluded(symbol string, tfMin int, now time.Time) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ps := g.pair(symbol, tfMin)
	if ps.state != StateExcluded {
		return false, ""
	}
	if !ps.excludedUntil.After(now) {
		ps.state = StateHealthy
		ps.reason = ""
		ps.consecutiveNoData = 0
		ps.consecutiveErrors = 0
		ps.dayCounts = make(map[string]int)
		ps.excludedUntil = time.Time{}
		return false, ""
	}
	return true, ps.reason
}

// StateOf returns the current FSM state of a pair without side effects.
func (g *Gate) StateOf(symbol string, tfMin int) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := pairKey{symbol: strings.ToUpper(symbol), tfMin: tfMin}
	if ps, ok := g.pairs[k]; ok {
		return ps.state
	}
	return StateHealthy
}

// windowSum totals failures across the most recent WindowDays ET days.
func (g *Gate) windowSum(ps *pairState) int {
	days := make([]string, 0, len(ps.dayCounts))
	for d := range ps.dayCounts {
		days = append(days, d)
	}
	sort.Strings(days)
	if len(days) > g.cfg.WindowDays {
		days = days[len(days)-g.cfg.WindowDays:]
	}
	sum := 0
	for _, d := range days {
		sum += ps.dayCounts[d]
	}
	return sum
}

// pruneDays caps the day map at WindowDays+2 entries, dropping the oldest.
func (g *Gate) pruneDays(ps *pairState) {
	limit := g.cfg.WindowDays + 2
	if len(ps.dayCounts) <= limit {
		return
	}
	days := make([]string, 0, len(ps.dayCounts))
	for d := range ps.dayCounts {
		days = append(days, d)
	}
	sort.Strings(days)
	for _, d := range days[:len(days)-limit] {
		delete(ps.dayCounts, d)
	}
}
