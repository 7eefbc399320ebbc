// Package models provides the data structures shared across the simulator:
// market bars, runners, broker state, decisions, and per-tick audit events.
package models

import (
	"fmt"
	"time"
)

// DailyInterval is the interval_min value used for daily bars.
const DailyInterval = 1440

// Bar is one OHLC aggregation over a fixed interval for a symbol.
// Timestamps are UTC instants; daily bars carry the UTC instant of
// ET midnight for the session they describe.
type Bar struct {
	Symbol      string    `json:"symbol"`
	TS          time.Time `json:"ts"`
	IntervalMin int       `json:"interval_min"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      int64     `json:"volume"`
}

// IsDaily reports whether the bar is a daily aggregation.
func (b Bar) IsDaily() bool { return b.IntervalMin >= DailyInterval }

// TimeframeLabel renders a timeframe in minutes as the short label stored
// on executed trades ("5m", "15m", "1d").
func TimeframeLabel(tfMin int) string {
	if tfMin >= DailyInterval {
		return "1d"
	}
	return fmt.Sprintf("%dm", tfMin)
}

// ParseTimeframeLabel is the inverse of TimeframeLabel. Unknown labels
// fall back to 5 minutes, matching the backfill rule for legacy rows
// that carried no timeframe at all.
func ParseTimeframeLabel(label string) int {
	switch label {
	case "1d", "1D", "1440m":
		return DailyInterval
	case "":
		return 5
	}
	var n int
	if _, err := fmt.Sscanf(label, "%dm", &n); err == nil && n > 0 {
		return n
	}
	return 5
}
