package broker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"stocksim/internal/models"
	"stocksim/internal/storage"
	"stocksim/internal/util"
)

// stopEpsilon absorbs float noise when comparing bar lows to stop levels.
const stopEpsilon = 1e-9

// Config parameterizes the synthetic fill model.
type Config struct {
	CommissionPerTrade float64
	BidAskSpread       float64
	SlippagePercent    float64 // fraction, e.g. 0.0005
	TickSize           float64
}

// SimBroker is the storage-backed mock broker.
type SimBroker struct {
	store storage.Interface
	cfg   Config
	log   *logrus.Logger
}

var _ Broker = (*SimBroker)(nil)

// NewSimBroker creates a mock broker over the given store.
func NewSimBroker(store storage.Interface, cfg Config, log *logrus.Logger) *SimBroker {
	if cfg.TickSize <= 0 {
		cfg.TickSize = 0.01
	}
	return &SimBroker{store: store, cfg: cfg, log: log}
}

// adjust applies half-spread and slippage against the taker, then rounds
// to the tick grid. Decimal arithmetic keeps repeated adjustments from
// accumulating binary float drift.
func (b *SimBroker) adjust(price float64, side models.Side) float64 {
	p := decimal.NewFromFloat(price)
	halfSpread := decimal.NewFromFloat(b.cfg.BidAskSpread).Div(decimal.NewFromInt(2))
	slip := decimal.NewFromFloat(b.cfg.SlippagePercent)
	one := decimal.NewFromInt(1)
	if side == models.SideBuy {
		p = p.Add(halfSpread).Mul(one.Add(slip))
	} else {
		p = p.Sub(halfSpread).Mul(one.Sub(slip))
	}
	adjusted, _ := p.Float64()
	if adjusted < b.cfg.TickSize {
		adjusted = b.cfg.TickSize
	}
	return util.RoundToTick(adjusted, b.cfg.TickSize)
}

// Buy fills a BUY decision. Limit orders must be marketable: a limit
// below the current price rejects instead of resting.
func (b *SimBroker) Buy(ctx context.Context, r models.RunnerView, d *models.Decision, price float64, at time.Time) (*models.OpenPosition, error) {
	if d.OrderType == models.OrderTypeLimit && d.LimitPrice < price {
		return nil, ErrLimitNotMarketable
	}
	existing, err := b.store.Position(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if existing != nil {
		// One position per runner: a repeated BUY replaces the old one.
		if _, err := b.SellAll(ctx, r, nil, "strategy_override_buy", price, at); err != nil {
			return nil, fmt.Errorf("override sell: %w", err)
		}
	}

	exec := b.adjust(price, models.SideBuy)
	if d.OrderType == models.OrderTypeLimit && exec > d.LimitPrice {
		exec = util.FloorToTick(d.LimitPrice, b.cfg.TickSize)
	}
	if d.Quantity <= 0 {
		return nil, models.ErrBadQuantity
	}

	acct, err := b.store.Account(ctx, r.UserID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	cost := exec*float64(d.Quantity) + b.cfg.CommissionPerTrade
	if cost > acct.Cash {
		return nil, ErrInsufficientCash
	}
	acct.Cash = util.Round6(acct.Cash - cost)
	if err := b.store.SaveAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}

	pos := &models.OpenPosition{
		UserID:    r.UserID,
		RunnerID:  r.ID,
		Symbol:    r.Stock,
		Account:   models.MockAccountName,
		Quantity:  d.Quantity,
		AvgPrice:  exec,
		CreatedAt: at,
	}
	if d.StaticStop != nil {
		pos.StopPrice = util.RoundToTick(d.StaticStop.StopPrice, b.cfg.TickSize)
	}
	if err := b.store.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}

	filled := at
	order := &models.Order{
		ID:         uuid.NewString(),
		UserID:     r.UserID,
		RunnerID:   r.ID,
		Symbol:     r.Stock,
		Side:       models.SideBuy,
		OrderType:  orderTypeOrMarket(d.OrderType),
		Quantity:   d.Quantity,
		LimitPrice: d.LimitPrice,
		Status:     models.OrderStatusFilled,
		CreatedAt:  at,
		FilledAt:   &filled,
	}
	if err := b.store.AppendOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("append order: %w", err)
	}
	b.log.WithFields(logrus.Fields{
		"runner": r.ID, "symbol": r.Stock, "qty": d.Quantity, "price": exec,
	}).Debug("broker: buy filled")
	return pos, nil
}

// ArmTrailingStopOnce attaches a trailing stop to the runner's position.
// Idempotent: a position that already trails keeps its percentage. A
// static stop may coexist; OnBar evaluates it first. Activation is
// delayed one bar so the entry bar's own range cannot fire the stop.
func (b *SimBroker) ArmTrailingStopOnce(ctx context.Context, r models.RunnerView, trailPercent float64, at time.Time) error {
	if trailPercent <= 0 {
		return nil
	}
	pos, err := b.store.Position(ctx, r.ID)
	if err != nil {
		return err
	}
	if pos == nil || pos.TrailPercent > 0 {
		return nil
	}
	pos.TrailPercent = trailPercent
	if pos.HighestPrice < pos.AvgPrice {
		pos.HighestPrice = pos.AvgPrice
	}
	activation := at.Add(time.Duration(r.TimeframeMin) * time.Minute)
	pos.ActivationTS = &activation
	return b.store.SavePosition(ctx, pos)
}

// OnBar evaluates protective stops against one fresh bar. Static stops
// take precedence over trailing stops; the trailing high-water mark only
// advances once the activation delay has elapsed.
func (b *SimBroker) OnBar(ctx context.Context, r models.RunnerView, bar models.Bar, at time.Time) (*SellOutcome, error) {
	pos, err := b.store.Position(ctx, r.ID)
	if err != nil || pos == nil {
		return nil, err
	}

	if pos.StopPrice > 0 && bar.Low <= pos.StopPrice+stopEpsilon {
		return b.SellAll(ctx, r, nil, "static_stop_hit", pos.StopPrice, at)
	}

	if pos.TrailPercent > 0 {
		if pos.ActivationTS != nil && at.Before(*pos.ActivationTS) {
			return nil, nil
		}
		if bar.High > pos.HighestPrice {
			pos.HighestPrice = bar.High
		}
		trailStop := util.RoundToTick(pos.HighestPrice*(1-pos.TrailPercent/100), b.cfg.TickSize)
		if bar.Low <= trailStop+stopEpsilon {
			return b.SellAll(ctx, r, nil, "trailing_stop_hit", trailStop, at)
		}
		if err := b.store.SavePosition(ctx, pos); err != nil {
			return nil, fmt.Errorf("save position: %w", err)
		}
	}
	return nil, nil
}

// SellAll closes the runner's position at the adjusted fill price. A
// limit above the current price rejects. The round-trip P&L charges
// commission on both legs; the percentage is taken against the entry
// notional.
func (b *SimBroker) SellAll(ctx context.Context, r models.RunnerView, d *models.Decision, reason string, price float64, at time.Time) (*SellOutcome, error) {
	if d != nil && d.OrderType == models.OrderTypeLimit && d.LimitPrice > price {
		return nil, ErrLimitNotMarketable
	}
	pos, err := b.store.Position(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if pos == nil {
		return nil, ErrNoPosition
	}

	exec := b.adjust(price, models.SideSell)
	qty := decimal.NewFromInt(int64(pos.Quantity))
	execDec := decimal.NewFromFloat(exec)
	avgDec := decimal.NewFromFloat(pos.AvgPrice)
	commission := decimal.NewFromFloat(b.cfg.CommissionPerTrade)

	pnl := execDec.Sub(avgDec).Mul(qty).Sub(commission.Mul(decimal.NewFromInt(2)))
	pnlAmount, _ := pnl.Float64()
	pnlAmount = util.Round6(pnlAmount)
	notional := avgDec.Mul(qty)
	var pnlPercent float64
	if !notional.IsZero() {
		pnlPercent, _ = pnl.Div(notional).Mul(decimal.NewFromInt(100)).Float64()
		pnlPercent = util.Round6(pnlPercent)
	}

	acct, err := b.store.Account(ctx, r.UserID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	acct.Cash = util.Round6(acct.Cash + exec*float64(pos.Quantity) - b.cfg.CommissionPerTrade)
	if err := b.store.SaveAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}

	filled := at
	orderType := models.OrderTypeMarket
	var limitPrice float64
	if d != nil {
		orderType = orderTypeOrMarket(d.OrderType)
		limitPrice = d.LimitPrice
	}
	order := &models.Order{
		ID:         uuid.NewString(),
		UserID:     r.UserID,
		RunnerID:   r.ID,
		Symbol:     pos.Symbol,
		Side:       models.SideSell,
		OrderType:  orderType,
		Quantity:   pos.Quantity,
		LimitPrice: limitPrice,
		Status:     models.OrderStatusFilled,
		CreatedAt:  at,
		FilledAt:   &filled,
		Details:    reason,
	}
	if err := b.store.AppendOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("append order: %w", err)
	}

	trade := &models.ExecutedTrade{
		ID:         uuid.NewString(),
		UserID:     r.UserID,
		RunnerID:   r.ID,
		Symbol:     pos.Symbol,
		BuyTS:      pos.CreatedAt,
		SellTS:     at,
		BuyPrice:   pos.AvgPrice,
		SellPrice:  exec,
		Quantity:   pos.Quantity,
		PnLAmount:  pnlAmount,
		PnLPercent: pnlPercent,
		Strategy:   r.StrategyKey,
		Timeframe:  models.TimeframeLabel(r.TimeframeMin),
		Reason:     reason,
	}
	if err := b.store.AppendTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("append trade: %w", err)
	}
	if err := b.store.DeletePosition(ctx, r.ID); err != nil {
		return nil, fmt.Errorf("delete position: %w", err)
	}
	b.log.WithFields(logrus.Fields{
		"runner": r.ID, "symbol": pos.Symbol, "qty": pos.Quantity,
		"price": exec, "pnl": pnlAmount, "reason": reason,
	}).Debug("broker: sell filled")
	return &SellOutcome{Trade: trade, ExecPrice: exec}, nil
}

// Position returns the runner's open position, nil when flat.
func (b *SimBroker) Position(ctx context.Context, runnerID int64) (*models.OpenPosition, error) {
	return b.store.Position(ctx, runnerID)
}

// MarkToMarketAll revalues account equity as cash plus open position
// value. Symbols with no quoted price fall back to their entry price so
// equity never collapses on a data gap.
func (b *SimBroker) MarkToMarketAll(ctx context.Context, userID int64, priceOf func(symbol string) (float64, bool)) error {
	acct, err := b.store.Account(ctx, userID)
	if err != nil {
		return err
	}
	positions, err := b.store.PositionsForUser(ctx, userID)
	if err != nil {
		return err
	}
	equity := acct.Cash
	for _, pos := range positions {
		price := pos.AvgPrice
		if priceOf != nil {
			if p, ok := priceOf(pos.Symbol); ok && p > 0 {
				price = p
			}
		}
		equity += price * float64(pos.Quantity)
	}
	if math.Abs(equity-acct.Equity) < 1e-9 {
		return nil
	}
	acct.Equity = util.Round6(equity)
	return b.store.SaveAccount(ctx, acct)
}

func orderTypeOrMarket(t models.OrderType) models.OrderType {
	if t == "" {
		return models.OrderTypeMarket
	}
	return t
}
