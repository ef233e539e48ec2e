// Package risk derives drawdown, trailing stop-loss and cooldown state from
// account snapshots. All computation is local and synchronous.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/crypto-trader/internal/trading"
)

type Params struct {
	MaxDrawdown    float64       // e.g. 0.15
	Cooldown       time.Duration // quiet period after a sell fill
	TrailingFactor float64       // e.g. 0.05
}

func (p Params) validate() error {
	if p.MaxDrawdown <= 0 || p.MaxDrawdown >= 1 {
		return fmt.Errorf("%w: max drawdown %v outside (0,1)", trading.ErrInvalidConfiguration, p.MaxDrawdown)
	}
	if p.TrailingFactor <= 0 || p.TrailingFactor >= 1 {
		return fmt.Errorf("%w: trailing factor %v outside (0,1)", trading.ErrInvalidConfiguration, p.TrailingFactor)
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("%w: negative cooldown", trading.ErrInvalidConfiguration)
	}
	return nil
}

// Stop is the trailing stop tracked for one open position.
type Stop struct {
	Side      trading.Side
	Price     decimal.Decimal
	Triggered bool
}

// State is the result of one evaluation.
type State struct {
	Drawdown      float64 // clamped at 0
	RawDrawdown   float64 // negative on gains
	BuyDisabled   bool
	Stops         map[string]Stop // by symbol
	CooldownUntil time.Time
	CooldownOn    bool
}

// Summary flattens the state for one symbol into what a decision records.
func (s State) Summary(symbol string) trading.RiskSummary {
	sum := trading.RiskSummary{
		Drawdown:    s.Drawdown,
		RawDrawdown: s.RawDrawdown,
		BuyDisabled: s.BuyDisabled,
	}
	if s.CooldownOn {
		sum.CooldownUntil = s.CooldownUntil
	}
	if st, ok := s.Stops[symbol]; ok {
		sum.StopLoss = st.Price
		sum.StopTriggered = st.Triggered
	}
	return sum
}

type Evaluator struct {
	params Params

	mu            sync.Mutex
	stops         map[string]Stop
	cooldownUntil time.Time
}

func NewEvaluator(params Params) *Evaluator {
	return &Evaluator{
		params: params,
		stops:  make(map[string]Stop),
	}
}

func (e *Evaluator) Params() Params { return e.params }

// Evaluate computes the risk state for the positions of the given mode.
// marks holds the latest price per symbol; positions without a mark keep
// their previous stop.
func (e *Evaluator) Evaluate(account trading.AccountState, mode trading.Mode, marks map[string]decimal.Decimal, now time.Time) (State, error) {
	if err := e.params.validate(); err != nil {
		return State{}, err
	}
	if !account.InitialCapital.IsPositive() {
		return State{}, fmt.Errorf("%w: initial capital %s", trading.ErrInvalidConfiguration, account.InitialCapital)
	}
	if account.CurrentTotalAsset.IsNegative() {
		return State{}, fmt.Errorf("%w: total asset %s", trading.ErrNegativeAsset, account.CurrentTotalAsset)
	}

	raw := account.InitialCapital.Sub(account.CurrentTotalAsset).Div(account.InitialCapital)
	rawF, _ := raw.Float64()

	st := State{
		RawDrawdown: rawF,
		BuyDisabled: raw.GreaterThan(decimal.NewFromFloat(e.params.MaxDrawdown)),
		Stops:       make(map[string]Stop),
	}
	if rawF > 0 {
		st.Drawdown = rawF
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cooldownUntil.IsZero() && !now.Before(e.cooldownUntil) {
		e.cooldownUntil = time.Time{}
	}
	st.CooldownUntil = e.cooldownUntil
	st.CooldownOn = !e.cooldownUntil.IsZero()

	seen := make(map[string]bool)
	for _, p := range account.Positions {
		if p.Mode != mode || !p.IsOpen() {
			continue
		}
		seen[p.Symbol] = true
		stop := e.trail(p, marks)
		e.stops[p.Symbol] = stop
		st.Stops[p.Symbol] = stop
	}
	// closed positions lose their anchor
	for sym := range e.stops {
		if !seen[sym] {
			delete(e.stops, sym)
		}
	}

	return st, nil
}

func (e *Evaluator) trail(p trading.Position, marks map[string]decimal.Decimal) Stop {
	f := decimal.NewFromFloat(e.params.TrailingFactor)
	one := decimal.NewFromInt(1)

	prev, ok := e.stops[p.Symbol]
	if !ok || prev.Side != p.Side {
		prev = Stop{Side: p.Side}
		if p.Side == trading.SideShort {
			prev.Price = p.EntryPrice.Mul(one.Add(f))
		} else {
			prev.Price = p.EntryPrice.Mul(one.Sub(f))
		}
	}

	price, ok := marks[p.Symbol]
	if !ok || !price.IsPositive() {
		return Stop{Side: prev.Side, Price: prev.Price}
	}

	next := Stop{Side: p.Side}
	if p.Side == trading.SideShort {
		next.Price = decimal.Min(prev.Price, price.Mul(one.Add(f)))
		next.Triggered = price.GreaterThanOrEqual(next.Price)
	} else {
		next.Price = decimal.Max(prev.Price, price.Mul(one.Sub(f)))
		next.Triggered = price.LessThanOrEqual(next.Price)
	}
	return next
}

// RecordSellFill starts the cooldown window from a confirmed sell fill.
func (e *Evaluator) RecordSellFill(at time.Time) {
	until := at.Add(e.params.Cooldown)
	e.mu.Lock()
	if until.After(e.cooldownUntil) {
		e.cooldownUntil = until
	}
	e.mu.Unlock()
}

// CooldownUntil returns the end of the active cooldown, zero when none.
func (e *Evaluator) CooldownUntil() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldownUntil
}

// Reset drops stop anchors and cooldown. Called on a mode switch.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	e.stops = make(map[string]Stop)
	e.cooldownUntil = time.Time{}
	e.mu.Unlock()
}
