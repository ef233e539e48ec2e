package decision

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/crypto-trader/internal/trading"
)

// ExitRules turn a Hold into a Sell while a position is open.
type ExitRules struct {
	Enabled            bool
	MaxHolding         time.Duration
	TrendCollapseScore int
}

func (r ExitRules) check(pos trading.Position, held bool, risk trading.RiskSummary, ind trading.IndicatorSet, now time.Time) trading.Reason {
	if !r.Enabled || !held {
		return ""
	}
	if risk.StopTriggered {
		return trading.ReasonStopLossTriggered
	}
	if r.MaxHolding > 0 && !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) >= r.MaxHolding {
		return trading.ReasonMaxHoldingExceeded
	}
	if ind.TrendScore < r.TrendCollapseScore && ind.MACD.Histogram < 0 {
		return trading.ReasonTrendCollapse
	}
	return ""
}

type gateInput struct {
	emergency  bool
	riskErr    error
	risk       trading.RiskSummary
	advisorErr error
	rec        trading.Recommendation
	held       bool
	exitReason trading.Reason

	minConfidence int
	minTradeValue decimal.Decimal
	// buyMargin sizes the would-be Buy; only called when every other gate passed.
	buyMargin func() (decimal.Decimal, error)
}

// gate applies the checks in priority order and returns the first that
// fires. Anything that blocks yields HOLD as the final action.
func gate(in gateInput) (trading.Verdict, trading.Action) {
	hold := trading.ActionHold

	if in.emergency {
		return trading.Blocked(trading.ReasonEmergencyPending), hold
	}
	if in.riskErr != nil {
		if errors.Is(in.riskErr, trading.ErrNegativeAsset) {
			return trading.Blocked(trading.ReasonInvalidAccountState), hold
		}
		return trading.Blocked(trading.ReasonInvalidConfiguration), hold
	}

	// a failed advisor holds outright; exit rules only act on a valid answer
	if in.advisorErr != nil {
		return trading.Allowed(trading.ReasonAdvisorFailure), hold
	}

	proposed := in.rec.Action
	if proposed == trading.ActionHold && in.exitReason != "" {
		proposed = trading.ActionSell
	}

	if proposed == trading.ActionBuy && in.risk.BuyDisabled {
		return trading.Blocked(trading.ReasonDrawdownExceeded), hold
	}
	if proposed.IsTrade() && !in.risk.CooldownUntil.IsZero() {
		return trading.Blocked(trading.ReasonCooldown), hold
	}

	if proposed == trading.ActionHold {
		return trading.Allowed(trading.ReasonHold), hold
	}

	// sells backed by an exit rule skip the confidence check
	exitDriven := in.exitReason != "" && proposed == trading.ActionSell
	if !exitDriven && in.rec.Confidence < in.minConfidence {
		return trading.Blocked(trading.ReasonLowConfidence), hold
	}

	switch proposed {
	case trading.ActionBuy:
		if in.held {
			return trading.Blocked(trading.ReasonPositionOpen), hold
		}
		margin, err := in.buyMargin()
		if err != nil || margin.LessThan(in.minTradeValue) {
			return trading.Blocked(trading.ReasonMinTradeValue), hold
		}
	case trading.ActionSell:
		if !in.held {
			return trading.Blocked(trading.ReasonNoPosition), hold
		}
	}

	if exitDriven && in.rec.Action != trading.ActionSell {
		return trading.Allowed(in.exitReason), proposed
	}
	return trading.Allowed(trading.ReasonApproved), proposed
}
