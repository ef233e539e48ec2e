package trading

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ParseAction accepts the advisor's spelling (buy/Buy/BUY) and normalizes it.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionBuy, ActionSell, ActionHold:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// IsTrade reports whether the action would submit an order.
func (a Action) IsTrade() bool {
	return a == ActionBuy || a == ActionSell
}

type Mode string

const (
	ModeSpot Mode = "spot"
	ModeSwap Mode = "swap"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSpot, ModeSwap:
		return m, nil
	default:
		return "", fmt.Errorf("unknown trading mode %q", s)
	}
}

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideNone  Side = "none"
)

type Position struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Mode       Mode            `json:"mode"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// IsOpen treats dust below 1e-4 as no position, same threshold the exchange side uses.
func (p Position) IsOpen() bool {
	return p.Side != SideNone && p.Size.Abs().GreaterThan(dustSize)
}

var dustSize = decimal.New(1, -4)

type AccountState struct {
	InitialCapital    decimal.Decimal `json:"initial_capital"`
	CurrentTotalAsset decimal.Decimal `json:"current_total_asset"`
	AvailableBalance  decimal.Decimal `json:"available_balance"`
	Positions         []Position      `json:"positions"`
}

// Position returns the open position for symbol in the given mode.
func (a AccountState) Position(symbol string, mode Mode) (Position, bool) {
	for _, p := range a.Positions {
		if p.Symbol == symbol && p.Mode == mode && p.IsOpen() {
			return p, true
		}
	}
	return Position{}, false
}

// Clone returns a copy that shares nothing with the receiver.
func (a AccountState) Clone() AccountState {
	c := a
	c.Positions = append([]Position(nil), a.Positions...)
	return c
}

type Snapshot struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	LastPrice decimal.Decimal `json:"last_price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Closes    []float64       `json:"-"`
}

// Age is how old the snapshot is at now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Observation is one poll: a snapshot and the account captured together.
type Observation struct {
	CapturedAt time.Time
	Snapshot   Snapshot
	Account    AccountState
}

type MACD struct {
	DIF       float64 `json:"dif"`
	DEA       float64 `json:"dea"`
	Histogram float64 `json:"histogram"`
}

type IndicatorSet struct {
	RSI        float64 `json:"rsi"`
	MACD       MACD    `json:"macd"`
	MA5        float64 `json:"ma5"`
	MA20       float64 `json:"ma20"`
	MA50       float64 `json:"ma50"`
	Volatility float64 `json:"volatility"`  // stddev of last 20 closes, % of MA20
	TrendScore int     `json:"trend_score"` // 0-100
}

type Recommendation struct {
	Action           Action       `json:"action"`
	Confidence       int          `json:"confidence"`   // 0-100
	PositionPct      float64      `json:"position_pct"` // suggested share of balance, 0-100
	Rationale        string       `json:"rationale"`
	SourceIndicators IndicatorSet `json:"source_indicators"`
	ReceivedAt       time.Time    `json:"received_at"`
}

type VerdictStatus string

const (
	VerdictAllowed VerdictStatus = "ALLOWED"
	VerdictBlocked VerdictStatus = "BLOCKED"
)

// Reason is the single audit reason attached to a decision.
type Reason string

const (
	ReasonApproved             Reason = "Approved"
	ReasonEmergencyPending     Reason = "EmergencyPending"
	ReasonInvalidConfiguration Reason = "InvalidConfiguration"
	ReasonInvalidAccountState  Reason = "InvalidAccountState"
	ReasonDrawdownExceeded     Reason = "DrawdownExceeded"
	ReasonCooldown             Reason = "Cooldown"
	ReasonAdvisorFailure       Reason = "AdvisorFailure"
	ReasonLowConfidence        Reason = "LowConfidence"
	ReasonPositionOpen         Reason = "PositionOpen"
	ReasonNoPosition           Reason = "NoPosition"
	ReasonMinTradeValue        Reason = "MinTradeValue"
	ReasonStopLossTriggered    Reason = "StopLossTriggered"
	ReasonMaxHoldingExceeded   Reason = "MaxHoldingExceeded"
	ReasonTrendCollapse        Reason = "TrendCollapse"
	ReasonHold                 Reason = "Hold"
)

type Verdict struct {
	Status VerdictStatus `json:"status"`
	Reason Reason        `json:"reason"`
}

func Allowed(r Reason) Verdict { return Verdict{Status: VerdictAllowed, Reason: r} }
func Blocked(r Reason) Verdict { return Verdict{Status: VerdictBlocked, Reason: r} }

// RiskSummary is the risk state a decision was taken under.
type RiskSummary struct {
	Drawdown      float64         `json:"drawdown"`
	RawDrawdown   float64         `json:"raw_drawdown"`
	BuyDisabled   bool            `json:"buy_disabled"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	StopTriggered bool            `json:"stop_triggered"`
	CooldownUntil time.Time       `json:"cooldown_until"`
}

type Decision struct {
	ID             string          `json:"id"`
	Cycle          uint64          `json:"cycle"`
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	Recommendation Recommendation  `json:"recommendation"`
	Verdict        Verdict         `json:"verdict"`
	FinalAction    Action          `json:"final_action"`
	Mode           Mode            `json:"mode"`
	Risk           RiskSummary     `json:"risk"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Executable reports whether the decision should reach the dispatcher.
func (d Decision) Executable() bool {
	return d.Verdict.Status == VerdictAllowed && d.FinalAction.IsTrade()
}

type Order struct {
	ClientID   string          `json:"client_id"`
	DecisionID string          `json:"decision_id"`
	Symbol     string          `json:"symbol"`
	Action     Action          `json:"action"`
	Quantity   decimal.Decimal `json:"quantity"`
	RefPrice   decimal.Decimal `json:"ref_price"`
	Mode       Mode            `json:"mode"`
	Leverage   int             `json:"leverage"`
	Emergency  bool            `json:"emergency"`
	// LimitPrice bounds the fill price when non-zero: the highest price a
	// Buy accepts, the lowest a Sell accepts.
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// WithinLimit reports whether a fill at price respects the order's limit.
func (o Order) WithinLimit(price decimal.Decimal) bool {
	if o.LimitPrice.IsZero() {
		return true
	}
	if o.Action == ActionBuy {
		return !price.GreaterThan(o.LimitPrice)
	}
	return !price.LessThan(o.LimitPrice)
}

// Notional is quantity times the reference price.
func (o Order) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.RefPrice)
}

// Margin is the balance an order ties up: notional spread over leverage.
func (o Order) Margin() decimal.Decimal {
	if o.Leverage <= 1 {
		return o.Notional()
	}
	return o.Notional().Div(decimal.NewFromInt(int64(o.Leverage)))
}

type ExecutionStatus string

const (
	StatusFilled   ExecutionStatus = "FILLED"
	StatusRejected ExecutionStatus = "REJECTED"
	StatusFailed   ExecutionStatus = "FAILED"
)

type ExecutionResult struct {
	OrderID     string          `json:"order_id"`
	ClientID    string          `json:"client_id"`
	DecisionID  string          `json:"decision_id"`
	Symbol      string          `json:"symbol"`
	Action      Action          `json:"action"`
	Mode        Mode            `json:"mode"`
	Status      ExecutionStatus `json:"status"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	Attempts    int             `json:"attempts"`
	Duplicate   bool            `json:"duplicate"`
	Emergency   bool            `json:"emergency"`
	Error       string          `json:"error,omitempty"`
	At          time.Time       `json:"at"`
}

type EmergencyRequest struct {
	ID              string    `json:"id"`
	RequestedAt     time.Time `json:"requested_at"`
	ConfirmDeadline time.Time `json:"confirm_deadline"`
	Confirmed       bool      `json:"confirmed"`
}

// Expired is true once now reaches the deadline without a confirm.
func (r EmergencyRequest) Expired(now time.Time) bool {
	return !r.Confirmed && !now.Before(r.ConfirmDeadline)
}
