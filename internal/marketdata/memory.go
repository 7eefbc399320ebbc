package marketdata

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"stocksim/internal/models"
)

// MemoryProvider is an in-memory Provider used by tests and seeded
// scenario runs. Bars are kept sorted by timestamp per (symbol, interval).
type MemoryProvider struct {
	mu   sync.RWMutex
	bars map[memKey][]models.Bar
}

type memKey struct {
	symbol string
	tfMin  int
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{bars: make(map[memKey][]models.Bar)}
}

var _ Provider = (*MemoryProvider)(nil)

// Add inserts bars, keeping each series sorted and de-duplicated by
// timestamp (last write wins, matching the SQLite upsert).
func (m *MemoryProvider) Add(bars ...models.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		k := memKey{symbol: strings.ToUpper(b.Symbol), tfMin: b.IntervalMin}
		series := m.bars[k]
		replaced := false
		for i := range series {
			if series[i].TS.Equal(b.TS) {
				series[i] = b
				replaced = true
				break
			}
		}
		if !replaced {
			series = append(series, b)
		}
		sort.Slice(series, func(i, j int) bool { return series[i].TS.Before(series[j].TS) })
		m.bars[k] = series
	}
}

// BarsUntil implements Provider.
func (m *MemoryProvider) BarsUntil(ctx context.Context, symbol string, tfMin int, asOf time.Time, lookback int, rthOnly bool) ([]models.Bar, error) {
	res, err := m.BarsBulkUntil(ctx, []string{symbol}, tfMin, asOf, lookback, rthOnly)
	if err != nil {
		return nil, err
	}
	return res[strings.ToUpper(symbol)].Bars, nil
}

// BarsBulkUntil implements Provider.
func (m *MemoryProvider) BarsBulkUntil(ctx context.Context, symbols []string, tfMin int, asOf time.Time, lookback int, rthOnly bool) (map[string]Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Series, len(symbols))
	daily := tfMin >= models.DailyInterval
	for _, s := range symbols {
		sym := strings.ToUpper(s)
		var window []models.Bar
		for _, b := range m.bars[memKey{symbol: sym, tfMin: tfMin}] {
			if !b.TS.After(asOf) {
				window = append(window, b)
			}
		}
		out[sym] = trimSeries(window, lookback, rthOnly && !daily)
	}
	return out, nil
}

// NextSessionTS implements Provider.
func (m *MemoryProvider) NextSessionTS(ctx context.Context, asOf time.Time, tfMin int, referenceSymbol string) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	horizon := asOf.Add(ForwardScanDays * 24 * time.Hour)
	daily := tfMin >= models.DailyInterval

	candidates := func(sym string) []models.Bar {
		if sym != "" {
			return m.bars[memKey{symbol: strings.ToUpper(sym), tfMin: tfMin}]
		}
		var all []models.Bar
		for k, series := range m.bars {
			if k.tfMin == tfMin {
				all = append(all, series...)
			}
		}
		sort.Slice(all, func(i, j int) bool { return all[i].TS.Before(all[j].TS) })
		return all
	}

	series := candidates(referenceSymbol)
	if len(series) == 0 && referenceSymbol != "" {
		series = candidates("")
	}
	for _, b := range series {
		if !b.TS.After(asOf) || b.TS.After(horizon) {
			continue
		}
		if daily {
			if IsWeekdayET(b.TS) {
				ts := b.TS
				return &ts, nil
			}
		} else if IsRegularHours(b.TS) {
			ts := b.TS
			return &ts, nil
		}
	}
	return nil, nil
}

// LastCloseFor implements Provider.
func (m *MemoryProvider) LastCloseFor(ctx context.Context, symbols []string, tfMin int, asOf time.Time, rthOnly bool) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(symbols))
	daily := tfMin >= models.DailyInterval
	for _, s := range symbols {
		sym := strings.ToUpper(s)
		series := m.bars[memKey{symbol: sym, tfMin: tfMin}]
		for i := len(series) - 1; i >= 0; i-- {
			b := series[i]
			if b.TS.After(asOf) {
				continue
			}
			if !daily && rthOnly && !IsRegularHours(b.TS) {
				continue
			}
			out[sym] = b.Close
			break
		}
	}
	return out, nil
}

// EarliestDaily implements Provider.
func (m *MemoryProvider) EarliestDaily(ctx context.Context, symbol string) (*time.Time, error) {
	return m.edge(symbol, models.DailyInterval, true), nil
}

// HasDaily implements Provider.
func (m *MemoryProvider) HasDaily(ctx context.Context, symbol string) (bool, error) {
	return m.edge(symbol, models.DailyInterval, true) != nil, nil
}

// HasMinute implements Provider.
func (m *MemoryProvider) HasMinute(ctx context.Context, symbol string, tfMin int) (bool, error) {
	return m.edge(symbol, tfMin, true) != nil, nil
}

// EarliestMinute implements Provider.
func (m *MemoryProvider) EarliestMinute(ctx context.Context, symbol string, tfMin int) (*time.Time, error) {
	return m.edge(symbol, tfMin, true), nil
}

// LatestMinute implements Provider.
func (m *MemoryProvider) LatestMinute(ctx context.Context, symbol string, tfMin int) (*time.Time, error) {
	return m.edge(symbol, tfMin, false), nil
}

// EarliestAny returns the earliest bar timestamp across all series.
func (m *MemoryProvider) EarliestAny(ctx context.Context) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var earliest *time.Time
	for _, series := range m.bars {
		if len(series) == 0 {
			continue
		}
		ts := series[0].TS
		if earliest == nil || ts.Before(*earliest) {
			earliest = &ts
		}
	}
	return earliest, nil
}

func (m *MemoryProvider) edge(symbol string, tfMin int, earliest bool) *time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	series := m.bars[memKey{symbol: strings.ToUpper(symbol), tfMin: tfMin}]
	if len(series) == 0 {
		return nil
	}
	var ts time.Time
	if earliest {
		ts = series[0].TS
	} else {
		ts = series[len(series)-1].TS
	}
	return &ts
}
