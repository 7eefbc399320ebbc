package models

import (
	"time"
)

// Activation states for a runner.
const (
	ActivationActive   = "active"
	ActivationInactive = "inactive"
	ActivationClosing  = "closing"
	ActivationRemoved  = "removed"
)

// User owns simulation state. A single dedicated analytics user owns all
// simulated runners, orders, and trades.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Runner is a persistent (symbol, timeframe, strategy, parameters, budget)
// tuple evaluated on every scheduler tick.
type Runner struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	Name          string     `json:"name"`
	StrategyKey   string     `json:"strategy_key"`
	Stock         string     `json:"stock"`
	TimeframeMin  int        `json:"timeframe_minutes"`
	Parameters    Params     `json:"parameters"`
	Budget        float64    `json:"budget"`
	CurrentBudget float64    `json:"current_budget"`
	Activation    string     `json:"activation"`
	ExitStrategy  string     `json:"exit_strategy,omitempty"`
	TimeRangeFrom *time.Time `json:"time_range_from,omitempty"`
	TimeRangeTo   *time.Time `json:"time_range_to,omitempty"`
}

// View snapshots the runner into an immutable per-tick view. The engine
// works exclusively on views so that concurrent workers never share a
// mutable runner.
func (r *Runner) View() RunnerView {
	params := make(Params, len(r.Parameters))
	for k, v := range r.Parameters {
		params[k] = v
	}
	return RunnerView{
		ID:            r.ID,
		UserID:        r.UserID,
		Name:          r.Name,
		StrategyKey:   r.StrategyKey,
		Stock:         r.Stock,
		TimeframeMin:  r.TimeframeMin,
		Parameters:    params,
		Budget:        r.Budget,
		CurrentBudget: r.CurrentBudget,
		ExitStrategy:  r.ExitStrategy,
		TimeRangeFrom: r.TimeRangeFrom,
		TimeRangeTo:   r.TimeRangeTo,
	}
}

// RunnerView is the immutable snapshot handed to per-tick workers and
// strategies.
type RunnerView struct {
	ID            int64
	UserID        int64
	Name          string
	StrategyKey   string
	Stock         string
	TimeframeMin  int
	Parameters    Params
	Budget        float64
	CurrentBudget float64
	ExitStrategy  string
	TimeRangeFrom *time.Time
	TimeRangeTo   *time.Time
}

// Params is the opaque per-runner parameter map. Values arrive from JSON
// so numbers are float64; helpers below coerce common shapes.
type Params map[string]any

// Float returns the parameter as a float64, or def when absent or not
// numeric.
func (p Params) Float(key string, def float64) float64 {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

// Int returns the parameter as an int, or def when absent or not numeric.
func (p Params) Int(key string, def int) int {
	f := p.Float(key, float64(def))
	return int(f)
}

// String returns the parameter as a string, or def when absent.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// SimulationState is the per-user virtual clock cursor and run flag.
// Exactly one row exists per user.
type SimulationState struct {
	UserID    int64      `json:"user_id"`
	IsRunning bool       `json:"is_running"`
	LastTS    *time.Time `json:"last_ts,omitempty"`
}

// Account is the mock cash account backing a user's runners.
type Account struct {
	UserID int64   `json:"user_id"`
	Name   string  `json:"name"`
	Cash   float64 `json:"cash"`
	Equity float64 `json:"equity"`
}

// MockAccountName is the single account name used by the simulator.
const MockAccountName = "mock"
