// Package marketdata provides read-only access to historical OHLC bars:
// as-of windowed queries, session-aware clock arithmetic, and indicator
// math over in-memory windows.
package marketdata

import (
	"context"
	"errors"
	"time"

	"stocksim/internal/models"
)

// ErrNoBars is returned when a query matches no stored bars.
var ErrNoBars = errors.New("no bars found")

// ForwardScanDays bounds how far NextSessionTS looks ahead for the next
// stored session timestamp.
const ForwardScanDays = 400

// rthOverfetchFactor is how much intraday queries over-fetch before
// trimming to the regular-hours subset.
const rthOverfetchFactor = 3

// Series is a per-symbol window of bars. ExtendedHours marks the one-shot
// fallback taken when the regular-hours window came back empty but the
// symbol has coverage; callers record the tag in their execution detail.
type Series struct {
	Bars          []models.Bar
	ExtendedHours bool
}

// LastTS returns the timestamp of the newest bar, zero when empty.
func (s Series) LastTS() time.Time {
	if len(s.Bars) == 0 {
		return time.Time{}
	}
	return s.Bars[len(s.Bars)-1].TS
}

// Provider is the gateway the engine consumes. Implementations must be
// safe for concurrent use; per-tick workers issue reads in parallel.
type Provider interface {
	// BarsUntil returns up to lookback bars for symbol at tfMin with
	// ts <= asOf, oldest first. rthOnly is ignored for daily bars.
	BarsUntil(ctx context.Context, symbol string, tfMin int, asOf time.Time, lookback int, rthOnly bool) ([]models.Bar, error)

	// BarsBulkUntil is the bulk form of BarsUntil, implemented with a
	// window-ranked per-symbol query. Symbols with no coverage map to an
	// empty series.
	BarsBulkUntil(ctx context.Context, symbols []string, tfMin int, asOf time.Time, lookback int, rthOnly bool) (map[string]Series, error)

	// NextSessionTS returns the smallest stored bar timestamp strictly
	// greater than asOf that lies inside NY regular hours, preferring
	// referenceSymbol when it has coverage. Returns nil when no bar
	// exists within ForwardScanDays.
	NextSessionTS(ctx context.Context, asOf time.Time, tfMin int, referenceSymbol string) (*time.Time, error)

	// LastCloseFor returns the most recent close <= asOf per symbol,
	// RTH-filtered for intraday timeframes.
	LastCloseFor(ctx context.Context, symbols []string, tfMin int, asOf time.Time, rthOnly bool) (map[string]float64, error)

	// Coverage helpers.
	EarliestDaily(ctx context.Context, symbol string) (*time.Time, error)
	HasDaily(ctx context.Context, symbol string) (bool, error)
	HasMinute(ctx context.Context, symbol string, tfMin int) (bool, error)
	EarliestMinute(ctx context.Context, symbol string, tfMin int) (*time.Time, error)
	LatestMinute(ctx context.Context, symbol string, tfMin int) (*time.Time, error)
}
