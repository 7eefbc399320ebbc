package strategy

import (
	"fmt"
	"math"

	"stocksim/internal/marketdata"
	"stocksim/internal/models"
)

// belowAbove buys below a threshold and sells above one. Thresholds are
// absolute prices when configured; otherwise a percentage band around a
// moving average of the window.
type belowAbove struct{}

func (s *belowAbove) Key() string { return "below_above" }

func (s *belowAbove) thresholds(c Context) (buyBelow, sellAbove float64, err error) {
	p := c.Runner.Parameters
	buyBelow = p.Float("buy_below", 0)
	sellAbove = p.Float("sell_above", 0)
	if buyBelow > 0 && sellAbove > 0 {
		return buyBelow, sellAbove, nil
	}
	n := p.Int("sma_period", 20)
	band := p.Float("band_percent", 2.0)
	sma := marketdata.Last(marketdata.SMA(c.Candles, n))
	if math.IsNaN(sma) {
		return 0, 0, ErrInsufficientData
	}
	if buyBelow <= 0 {
		buyBelow = sma * (1 - band/100)
	}
	if sellAbove <= 0 {
		sellAbove = sma * (1 + band/100)
	}
	return buyBelow, sellAbove, nil
}

func (s *belowAbove) DecideBuy(c Context) (*models.Decision, error) {
	buyBelow, _, err := s.thresholds(c)
	if err != nil {
		return nil, err
	}
	if c.CurrentPrice <= buyBelow {
		return &models.Decision{
			Action: models.ActionBuy,
			Reason: fmt.Sprintf("price %.2f below %.2f", c.CurrentPrice, buyBelow),
		}, nil
	}
	return models.NoAction("price above buy threshold"), nil
}

func (s *belowAbove) DecideSell(c Context) (*models.Decision, error) {
	_, sellAbove, err := s.thresholds(c)
	if err != nil {
		return nil, err
	}
	if c.CurrentPrice >= sellAbove {
		return &models.Decision{
			Action: models.ActionSell,
			Reason: fmt.Sprintf("price %.2f above %.2f", c.CurrentPrice, sellAbove),
		}, nil
	}
	return models.NoAction("price below sell threshold"), nil
}

// smaCross buys on the golden cross of a fast over a slow moving average
// and sells on the death cross.
type smaCross struct{}

func (s *smaCross) Key() string { return "sma_cross" }

func (s *smaCross) crosses(c Context) (prevDiff, currDiff float64, err error) {
	p := c.Runner.Parameters
	fast := marketdata.SMA(c.Candles, p.Int("fast_period", 10))
	slow := marketdata.SMA(c.Candles, p.Int("slow_period", 30))
	n := len(c.Candles)
	if n < 2 {
		return 0, 0, ErrInsufficientData
	}
	prevDiff = fast[n-2] - slow[n-2]
	currDiff = fast[n-1] - slow[n-1]
	if math.IsNaN(prevDiff) || math.IsNaN(currDiff) {
		return 0, 0, ErrInsufficientData
	}
	return prevDiff, currDiff, nil
}

func (s *smaCross) DecideBuy(c Context) (*models.Decision, error) {
	prev, curr, err := s.crosses(c)
	if err != nil {
		return nil, err
	}
	if prev <= 0 && curr > 0 {
		return &models.Decision{Action: models.ActionBuy, Reason: "golden_cross"}, nil
	}
	return models.NoAction("no golden cross"), nil
}

func (s *smaCross) DecideSell(c Context) (*models.Decision, error) {
	prev, curr, err := s.crosses(c)
	if err != nil {
		return nil, err
	}
	if prev >= 0 && curr < 0 {
		return &models.Decision{Action: models.ActionSell, Reason: "death_cross"}, nil
	}
	return models.NoAction("no death cross"), nil
}

// rsiReversion buys oversold and sells overbought on Wilder's RSI.
type rsiReversion struct{}

func (s *rsiReversion) Key() string { return "rsi_reversion" }

func (s *rsiReversion) rsi(c Context) (float64, error) {
	n := c.Runner.Parameters.Int("rsi_period", 14)
	v := marketdata.Last(marketdata.RSI(c.Candles, n))
	if math.IsNaN(v) {
		return 0, ErrInsufficientData
	}
	return v, nil
}

func (s *rsiReversion) DecideBuy(c Context) (*models.Decision, error) {
	v, err := s.rsi(c)
	if err != nil {
		return nil, err
	}
	threshold := c.Runner.Parameters.Float("buy_threshold", 30)
	if v <= threshold {
		return &models.Decision{
			Action: models.ActionBuy,
			Reason: fmt.Sprintf("rsi %.1f oversold", v),
		}, nil
	}
	return models.NoAction("rsi not oversold"), nil
}

func (s *rsiReversion) DecideSell(c Context) (*models.Decision, error) {
	v, err := s.rsi(c)
	if err != nil {
		return nil, err
	}
	threshold := c.Runner.Parameters.Float("sell_threshold", 70)
	if v >= threshold {
		return &models.Decision{
			Action: models.ActionSell,
			Reason: fmt.Sprintf("rsi %.1f overbought", v),
		}, nil
	}
	return models.NoAction("rsi not overbought"), nil
}

// donchianBreakout buys a close above the prior upper channel and sells a
// close below the prior lower channel.
type donchianBreakout struct{}

func (s *donchianBreakout) Key() string { return "donchian_breakout" }

func (s *donchianBreakout) channels(c Context) (prevUpper, prevLower float64, err error) {
	n := c.Runner.Parameters.Int("channel_period", 20)
	upper, lower := marketdata.Donchian(c.Candles, n)
	m := len(c.Candles)
	if m < 2 {
		return 0, 0, ErrInsufficientData
	}
	// Compare against the channel as of the previous bar so the current
	// bar's own extreme cannot mask its breakout.
	prevUpper, prevLower = upper[m-2], lower[m-2]
	if math.IsNaN(prevUpper) || math.IsNaN(prevLower) {
		return 0, 0, ErrInsufficientData
	}
	return prevUpper, prevLower, nil
}

func (s *donchianBreakout) DecideBuy(c Context) (*models.Decision, error) {
	prevUpper, _, err := s.channels(c)
	if err != nil {
		return nil, err
	}
	if c.CurrentPrice > prevUpper {
		return &models.Decision{
			Action: models.ActionBuy,
			Reason: fmt.Sprintf("breakout above %.2f", prevUpper),
		}, nil
	}
	return models.NoAction("no channel breakout"), nil
}

func (s *donchianBreakout) DecideSell(c Context) (*models.Decision, error) {
	_, prevLower, err := s.channels(c)
	if err != nil {
		return nil, err
	}
	if c.CurrentPrice < prevLower {
		return &models.Decision{
			Action: models.ActionSell,
			Reason: fmt.Sprintf("breakdown below %.2f", prevLower),
		}, nil
	}
	return models.NoAction("no channel breakdown"), nil
}

// macdTrend buys when the MACD histogram crosses above zero and sells
// when it crosses below.
type macdTrend struct{}

func (s *macdTrend) Key() string { return "macd_trend" }

func (s *macdTrend) histogram(c Context) (prev, curr float64, err error) {
	p := c.Runner.Parameters
	_, _, hist := marketdata.MACD(c.Candles,
		p.Int("fast_period", 12), p.Int("slow_period", 26), p.Int("signal_period", 9))
	n := len(hist)
	if n < 2 {
		return 0, 0, ErrInsufficientData
	}
	prev, curr = hist[n-2], hist[n-1]
	if math.IsNaN(prev) || math.IsNaN(curr) {
		return 0, 0, ErrInsufficientData
	}
	return prev, curr, nil
}

func (s *macdTrend) DecideBuy(c Context) (*models.Decision, error) {
	prev, curr, err := s.histogram(c)
	if err != nil {
		return nil, err
	}
	if prev <= 0 && curr > 0 {
		return &models.Decision{Action: models.ActionBuy, Reason: "macd_bullish_cross"}, nil
	}
	return models.NoAction("no bullish macd cross"), nil
}

func (s *macdTrend) DecideSell(c Context) (*models.Decision, error) {
	prev, curr, err := s.histogram(c)
	if err != nil {
		return nil, err
	}
	if prev >= 0 && curr < 0 {
		return &models.Decision{Action: models.ActionSell, Reason: "macd_bearish_cross"}, nil
	}
	return models.NoAction("no bearish macd cross"), nil
}
