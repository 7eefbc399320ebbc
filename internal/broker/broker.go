// Package broker implements the mock execution venue. It owns open
// positions, the append-only order and trade logs, and both protective
// stop flavors. Fills are synthetic: spread, slippage and tick rounding
// applied to the bar close.
package broker

import (
	"context"
	"errors"
	"time"

	"stocksim/internal/models"
)

// Broker errors surfaced to the runner engine, which maps them onto
// execution statuses.
var (
	ErrLimitNotMarketable = errors.New("limit price not marketable")
	ErrInsufficientCash   = errors.New("insufficient cash")
	ErrNoPosition         = errors.New("no open position")
)

// SellOutcome reports a closed round trip.
type SellOutcome struct {
	Trade     *models.ExecutedTrade
	ExecPrice float64
}

// Broker is the execution interface the runner engine drives. All
// methods take the virtual sim instant, never wall-clock time.
type Broker interface {
	// Buy opens a position for the runner at the adjusted fill price.
	// An existing position is closed first with an override sell.
	Buy(ctx context.Context, r models.RunnerView, d *models.Decision, price float64, at time.Time) (*models.OpenPosition, error)

	// SellAll closes the runner's position at the adjusted fill price.
	SellAll(ctx context.Context, r models.RunnerView, d *models.Decision, reason string, price float64, at time.Time) (*SellOutcome, error)

	// ArmTrailingStopOnce attaches a trailing stop to an unprotected
	// position. Idempotent: positions that already trail are untouched.
	ArmTrailingStopOnce(ctx context.Context, r models.RunnerView, trailPercent float64, at time.Time) error

	// OnBar evaluates protective stops against a fresh bar. Returns the
	// outcome when a stop fired, nil otherwise.
	OnBar(ctx context.Context, r models.RunnerView, bar models.Bar, at time.Time) (*SellOutcome, error)

	// Position returns the runner's open position, nil when flat.
	Position(ctx context.Context, runnerID int64) (*models.OpenPosition, error)

	// MarkToMarketAll recomputes account equity from open positions,
	// valuing each at priceOf or, when unknown, at its average price.
	MarkToMarketAll(ctx context.Context, userID int64, priceOf func(symbol string) (float64, bool)) error
}
