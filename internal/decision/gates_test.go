package decision

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/camuig/crypto-trader/internal/trading"
)

func rec(action trading.Action, confidence int) trading.Recommendation {
	return trading.Recommendation{Action: action, Confidence: confidence}
}

func margin(v float64) func() (decimal.Decimal, error) {
	return func() (decimal.Decimal, error) { return decimal.NewFromFloat(v), nil }
}

func sizingFails() (decimal.Decimal, error) { return decimal.Zero, errors.New("no price") }

func TestGatePriority(t *testing.T) {
	cooling := trading.RiskSummary{CooldownUntil: base.Add(time.Minute)}

	tests := []struct {
		name   string
		in     gateInput
		want   trading.Verdict
		action trading.Action
	}{
		{
			name: "emergency beats invalid config",
			in:   gateInput{emergency: true, riskErr: trading.ErrInvalidConfiguration, rec: rec(trading.ActionBuy, 100)},
			want: trading.Blocked(trading.ReasonEmergencyPending),
		},
		{
			name: "negative asset",
			in:   gateInput{riskErr: fmt.Errorf("%w: -1", trading.ErrNegativeAsset), rec: rec(trading.ActionSell, 100), held: true},
			want: trading.Blocked(trading.ReasonInvalidAccountState),
		},
		{
			name: "drawdown beats cooldown",
			in:   gateInput{risk: trading.RiskSummary{BuyDisabled: true, CooldownUntil: cooling.CooldownUntil}, rec: rec(trading.ActionBuy, 100)},
			want: trading.Blocked(trading.ReasonDrawdownExceeded),
		},
		{
			name: "cooldown beats low confidence",
			in:   gateInput{risk: cooling, rec: rec(trading.ActionSell, 1), held: true, minConfidence: 60},
			want: trading.Blocked(trading.ReasonCooldown),
		},
		{
			name: "advisor failure holds even with low confidence threshold",
			in:   gateInput{advisorErr: errors.New("down"), rec: rec(trading.ActionHold, 0), minConfidence: 60},
			want: trading.Allowed(trading.ReasonAdvisorFailure),
		},
		{
			name: "low confidence beats position open",
			in:   gateInput{rec: rec(trading.ActionBuy, 10), held: true, minConfidence: 60},
			want: trading.Blocked(trading.ReasonLowConfidence),
		},
		{
			name:   "confidence equal to threshold passes",
			in:     gateInput{rec: rec(trading.ActionBuy, 60), minConfidence: 60, buyMargin: margin(100), minTradeValue: decimal.NewFromInt(10)},
			want:   trading.Allowed(trading.ReasonApproved),
			action: trading.ActionBuy,
		},
		{
			name: "margin below minimum",
			in:   gateInput{rec: rec(trading.ActionBuy, 90), buyMargin: margin(9.99), minTradeValue: decimal.NewFromInt(10)},
			want: trading.Blocked(trading.ReasonMinTradeValue),
		},
		{
			name: "sizing error blocks buy",
			in:   gateInput{rec: rec(trading.ActionBuy, 90), minTradeValue: decimal.NewFromInt(10), buyMargin: sizingFails},
			want: trading.Blocked(trading.ReasonMinTradeValue),
		},
		{
			name:   "exit sell ignores confidence",
			in:     gateInput{rec: rec(trading.ActionHold, 5), held: true, exitReason: trading.ReasonTrendCollapse, minConfidence: 60},
			want:   trading.Allowed(trading.ReasonTrendCollapse),
			action: trading.ActionSell,
		},
		{
			name: "advisor failure ignores exit rule",
			in:   gateInput{advisorErr: errors.New("down"), rec: rec(trading.ActionHold, 0), held: true, exitReason: trading.ReasonStopLossTriggered},
			want: trading.Allowed(trading.ReasonAdvisorFailure),
		},
		{
			name: "advisor failure during cooldown is not a block",
			in:   gateInput{advisorErr: errors.New("down"), risk: cooling, held: true, exitReason: trading.ReasonMaxHoldingExceeded},
			want: trading.Allowed(trading.ReasonAdvisorFailure),
		},
		{
			name:   "advisor sell agrees with exit rule",
			in:     gateInput{rec: rec(trading.ActionSell, 80), held: true, exitReason: trading.ReasonMaxHoldingExceeded, minConfidence: 60},
			want:   trading.Allowed(trading.ReasonApproved),
			action: trading.ActionSell,
		},
		{
			name: "advisor buy is not overridden by exit rule",
			in:   gateInput{rec: rec(trading.ActionBuy, 80), held: true, exitReason: trading.ReasonStopLossTriggered, minConfidence: 60},
			want: trading.Blocked(trading.ReasonPositionOpen),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := tt.action
			if want == "" {
				want = trading.ActionHold
			}
			v, a := gate(tt.in)
			assert.Equal(t, tt.want, v)
			assert.Equal(t, want, a)
		})
	}
}

func TestExitRules(t *testing.T) {
	pos := trading.Position{Symbol: sym, Size: decimal.NewFromInt(1), OpenedAt: base}
	weak := trading.IndicatorSet{TrendScore: 10, MACD: trading.MACD{DIF: 1, Histogram: -0.5}}
	strong := trading.IndicatorSet{TrendScore: 80, MACD: trading.MACD{DIF: -1, Histogram: 0.5}}
	rules := ExitRules{Enabled: true, MaxHolding: time.Hour, TrendCollapseScore: 30}

	assert.Equal(t, trading.Reason(""), ExitRules{}.check(pos, true, trading.RiskSummary{StopTriggered: true}, weak, base))
	assert.Equal(t, trading.Reason(""), rules.check(pos, false, trading.RiskSummary{StopTriggered: true}, weak, base))
	assert.Equal(t, trading.ReasonStopLossTriggered, rules.check(pos, true, trading.RiskSummary{StopTriggered: true}, strong, base))
	assert.Equal(t, trading.ReasonMaxHoldingExceeded, rules.check(pos, true, trading.RiskSummary{}, strong, base.Add(time.Hour)))
	assert.Equal(t, trading.ReasonTrendCollapse, rules.check(pos, true, trading.RiskSummary{}, weak, base))
	assert.Equal(t, trading.Reason(""), rules.check(pos, true, trading.RiskSummary{}, strong, base.Add(time.Minute)))
}
