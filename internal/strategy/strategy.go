// Package strategy hosts the built-in trading strategies evaluated by the
// runner engine. Strategies are pure: they read the runner view, the open
// position and the candle window, and emit a Decision. They never touch
// storage or the broker.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"stocksim/internal/models"
)

// ErrInsufficientData signals that the candle window is too short for the
// strategy's indicators. The engine records it as an indicator skip, not
// an error.
var ErrInsufficientData = errors.New("insufficient candle data for indicators")

// Context is the read-only input to a strategy decision.
type Context struct {
	Runner       models.RunnerView
	Position     *models.OpenPosition // nil when flat
	CurrentPrice float64
	Candles      []models.Bar // oldest to newest, last bar is current

	// DistanceFromTimeLimit is the time remaining until the runner's
	// trading window closes, nil when the runner has no time limit.
	DistanceFromTimeLimit *time.Duration
}

// Strategy decides entries and exits for one runner.
type Strategy interface {
	Key() string
	DecideBuy(c Context) (*models.Decision, error)
	DecideSell(c Context) (*models.Decision, error)
}

var (
	regMu    sync.RWMutex
	registry = map[string]Strategy{}
)

// Register adds a strategy under its key. Duplicate keys panic at init.
func Register(s Strategy) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[s.Key()]; dup {
		panic(fmt.Sprintf("strategy: duplicate key %q", s.Key()))
	}
	registry[s.Key()] = s
}

// Get returns the strategy registered under key.
func Get(key string) (Strategy, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	s, ok := registry[key]
	return s, ok
}

// Keys lists registered strategy keys, sorted.
func Keys() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(&belowAbove{})
	Register(&smaCross{})
	Register(&rsiReversion{})
	Register(&donchianBreakout{})
	Register(&macdTrend{})
}
