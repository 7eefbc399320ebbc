package models

import (
	"errors"
	"fmt"
	"math"
)

// Action is the decision verb returned by a strategy.
type Action string

// Valid actions.
const (
	ActionBuy      Action = "BUY"
	ActionSell     Action = "SELL"
	ActionNoAction Action = "NO_ACTION"
)

// OrderType enumerates supported order types.
type OrderType string

// Supported order types.
const (
	OrderTypeMarket     OrderType = "MKT"
	OrderTypeLimit      OrderType = "LMT"
	OrderTypeStop       OrderType = "STOP"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
	OrderTypeTrailLimit OrderType = "TRAIL_LIMIT"
)

// Side of an order.
type Side string

// Order sides.
const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TrailStopSpec requests a trailing protective exit on a BUY decision.
type TrailStopSpec struct {
	TrailingPercent float64 `json:"trailing_percent,omitempty"`
	TrailingAmount  float64 `json:"trailing_amount,omitempty"`
}

// StaticStopSpec requests a fixed protective exit on a BUY decision.
type StaticStopSpec struct {
	StopPrice  float64 `json:"stop_price"`
	LimitPrice float64 `json:"limit_price,omitempty"`
}

// Decision is the tagged variant produced by a strategy and consumed by the
// runner engine. Legacy strategies emitted free-form maps; ParseDecision is
// the map-to-variant parser and Validate enforces the dispatch rules.
type Decision struct {
	Action      Action          `json:"action"`
	Quantity    int             `json:"quantity,omitempty"`
	OrderType   OrderType       `json:"order_type,omitempty"`
	LimitPrice  float64         `json:"limit_price,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Explanation string          `json:"explanation,omitempty"`
	TrailStop   *TrailStopSpec  `json:"trail_stop_order,omitempty"`
	StaticStop  *StaticStopSpec `json:"static_stop_order,omitempty"`
	Details     map[string]any  `json:"details,omitempty"`
}

// NoAction builds a NO_ACTION decision with a reason.
func NoAction(reason string) *Decision {
	return &Decision{Action: ActionNoAction, Reason: reason}
}

// SellReason picks the reason string recorded when a SELL decision is
// dispatched: reason, then explanation, then the generic fallback.
func (d *Decision) SellReason() string {
	switch {
	case d.Reason != "":
		return d.Reason
	case d.Explanation != "":
		return d.Explanation
	default:
		return "strategy_sell"
	}
}

// Decision validation errors.
var (
	ErrMissingAction      = errors.New("decision missing action")
	ErrUnknownAction      = errors.New("decision action must be BUY, SELL or NO_ACTION")
	ErrBadQuantity        = errors.New("decision quantity must be a positive integer")
	ErrLimitPriceRequired = errors.New("LMT order requires a positive limit_price")
	ErrStopRequired       = errors.New("BUY requires a trailing or static stop order")
	ErrBadTrailSpec       = errors.New("trail_stop_order requires positive trailing_percent or trailing_amount")
	ErrBadStaticSpec      = errors.New("static_stop_order requires a positive stop_price")
	ErrStopLimitPrice     = errors.New("STOP_LIMIT static stop requires a positive limit_price")
)

// ParseDecision converts a generic strategy output map into a Decision.
// It is lenient about numeric types (JSON numbers arrive as float64) and
// strict about structure: unknown actions and malformed stop sub-maps fail.
func ParseDecision(m map[string]any) (*Decision, error) {
	if m == nil {
		return nil, ErrMissingAction
	}
	rawAction, ok := m["action"]
	if !ok {
		return nil, ErrMissingAction
	}
	actionStr, ok := rawAction.(string)
	if !ok {
		return nil, ErrUnknownAction
	}
	d := &Decision{Action: Action(actionStr)}

	if v, ok := m["quantity"]; ok {
		q, err := toInt(v)
		if err != nil {
			return nil, ErrBadQuantity
		}
		d.Quantity = q
	}
	if v, ok := m["order_type"].(string); ok {
		d.OrderType = OrderType(v)
	}
	if v, ok := m["limit_price"]; ok {
		d.LimitPrice = toFloat(v)
	}
	if v, ok := m["reason"].(string); ok {
		d.Reason = v
	}
	if v, ok := m["explanation"].(string); ok {
		d.Explanation = v
	}
	if v, ok := m["details"].(map[string]any); ok {
		d.Details = v
	}
	if v, ok := m["trail_stop_order"]; ok {
		sub, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("trail_stop_order: expected map, got %T", v)
		}
		d.TrailStop = &TrailStopSpec{
			TrailingPercent: toFloat(sub["trailing_percent"]),
			TrailingAmount:  toFloat(sub["trailing_amount"]),
		}
	}
	if v, ok := m["static_stop_order"]; ok {
		sub, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("static_stop_order: expected map, got %T", v)
		}
		d.StaticStop = &StaticStopSpec{
			StopPrice:  toFloat(sub["stop_price"]),
			LimitPrice: toFloat(sub["limit_price"]),
		}
	}
	return d, nil
}

// ValidateDecision enforces the dispatch rules on a parsed decision.
//
// analyticsMode relaxes the BUY stop requirement: simulated strategies may
// omit protective stops and let the engine inject one from runner
// parameters. Outside analytics mode a BUY must carry either a trailing or
// a static stop specification.
func ValidateDecision(d *Decision, analyticsMode bool) error {
	if d == nil {
		return ErrMissingAction
	}
	switch d.Action {
	case ActionBuy, ActionSell, ActionNoAction:
	default:
		return ErrUnknownAction
	}
	// NO_ACTION passes through untouched, whatever else it carries.
	if d.Action == ActionNoAction {
		return nil
	}
	if d.Quantity < 0 {
		return ErrBadQuantity
	}
	if d.OrderType == OrderTypeLimit && d.LimitPrice <= 0 {
		return ErrLimitPriceRequired
	}
	if d.TrailStop != nil {
		if d.TrailStop.TrailingPercent <= 0 && d.TrailStop.TrailingAmount <= 0 {
			return ErrBadTrailSpec
		}
	}
	if d.StaticStop != nil {
		if d.StaticStop.StopPrice <= 0 {
			return ErrBadStaticSpec
		}
		if d.OrderType == OrderTypeStopLimit && d.StaticStop.LimitPrice <= 0 {
			return ErrStopLimitPrice
		}
	}
	if d.Action == ActionBuy && !analyticsMode {
		if d.TrailStop == nil && d.StaticStop == nil {
			return ErrStopRequired
		}
	}
	return nil
}

func toFloat(v any) float64 {
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
	return 0
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		if n <= 0 {
			return 0, ErrBadQuantity
		}
		return n, nil
	case int64:
		if n <= 0 {
			return 0, ErrBadQuantity
		}
		return int(n), nil
	case float64:
		if n <= 0 || n != math.Trunc(n) {
			return 0, ErrBadQuantity
		}
		return int(n), nil
	}
	return 0, ErrBadQuantity
}
