package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		wantErr error
		check   func(t *testing.T, d *Decision)
	}{
		{
			name:    "nil map",
			input:   nil,
			wantErr: ErrMissingAction,
		},
		{
			name:    "missing action",
			input:   map[string]any{"quantity": 5},
			wantErr: ErrMissingAction,
		},
		{
			name:  "buy with trailing stop",
			input: map[string]any{"action": "BUY", "quantity": float64(10), "trail_stop_order": map[string]any{"trailing_percent": 2.5}},
			check: func(t *testing.T, d *Decision) {
				assert.Equal(t, ActionBuy, d.Action)
				assert.Equal(t, 10, d.Quantity)
				require.NotNil(t, d.TrailStop)
				assert.Equal(t, 2.5, d.TrailStop.TrailingPercent)
			},
		},
		{
			name:  "sell with reason",
			input: map[string]any{"action": "SELL", "reason": "target hit"},
			check: func(t *testing.T, d *Decision) {
				assert.Equal(t, ActionSell, d.Action)
				assert.Equal(t, "target hit", d.Reason)
			},
		},
		{
			name:    "fractional quantity",
			input:   map[string]any{"action": "BUY", "quantity": 1.5},
			wantErr: ErrBadQuantity,
		},
		{
			name:    "negative quantity",
			input:   map[string]any{"action": "BUY", "quantity": float64(-3)},
			wantErr: ErrBadQuantity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDecision(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, d)
		})
	}
}

func TestParseDecisionMalformedStopMap(t *testing.T) {
	_, err := ParseDecision(map[string]any{"action": "BUY", "trail_stop_order": "not a map"})
	assert.Error(t, err)
}

func TestValidateDecision(t *testing.T) {
	tests := []struct {
		name      string
		decision  *Decision
		analytics bool
		wantErr   error
	}{
		{
			name:     "no action passes with junk fields",
			decision: &Decision{Action: ActionNoAction, Quantity: -5, OrderType: OrderTypeLimit},
		},
		{
			name:     "unknown action",
			decision: &Decision{Action: "HOLD"},
			wantErr:  ErrUnknownAction,
		},
		{
			name:     "limit without price",
			decision: &Decision{Action: ActionSell, OrderType: OrderTypeLimit},
			wantErr:  ErrLimitPriceRequired,
		},
		{
			name:      "naked buy allowed in analytics mode",
			decision:  &Decision{Action: ActionBuy},
			analytics: true,
		},
		{
			name:     "naked buy rejected in strict mode",
			decision: &Decision{Action: ActionBuy},
			wantErr:  ErrStopRequired,
		},
		{
			name:     "buy with zero-valued trail spec",
			decision: &Decision{Action: ActionBuy, TrailStop: &TrailStopSpec{}},
			wantErr:  ErrBadTrailSpec,
		},
		{
			name:     "buy with static stop",
			decision: &Decision{Action: ActionBuy, StaticStop: &StaticStopSpec{StopPrice: 95}},
		},
		{
			name: "stop limit requires limit price",
			decision: &Decision{
				Action:     ActionBuy,
				OrderType:  OrderTypeStopLimit,
				StaticStop: &StaticStopSpec{StopPrice: 95},
			},
			wantErr: ErrStopLimitPrice,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDecision(tt.decision, tt.analytics)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSellReason(t *testing.T) {
	assert.Equal(t, "r", (&Decision{Reason: "r", Explanation: "e"}).SellReason())
	assert.Equal(t, "e", (&Decision{Explanation: "e"}).SellReason())
	assert.Equal(t, "strategy_sell", (&Decision{}).SellReason())
}
