// Package decision runs the risk-gated decision cycle: it owns the account
// and risk state, consults the advisor, applies the gates and hands
// approved decisions to the dispatcher.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/camuig/crypto-trader/internal/ai"
	"github.com/camuig/crypto-trader/internal/audit"
	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/indicator"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/metrics"
	"github.com/camuig/crypto-trader/internal/risk"
	"github.com/camuig/crypto-trader/internal/trading"
)

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseEvaluating
	PhaseDeciding
	PhaseExecuting
	PhaseBlocked
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEvaluating:
		return "evaluating"
	case PhaseDeciding:
		return "deciding"
	case PhaseExecuting:
		return "executing"
	case PhaseBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

type Advisor interface {
	Recommend(ctx context.Context, req ai.Request) (trading.Recommendation, error)
}

// Executor is the dispatcher as seen by the engine.
type Executor interface {
	Plan(d trading.Decision, account trading.AccountState, snap trading.Snapshot) (trading.Order, error)
	Execute(ctx context.Context, order trading.Order) (trading.ExecutionResult, error)
	EmergencyPending() bool
	// Fills delivers results the engine did not submit itself (liquidations).
	Fills() <-chan trading.ExecutionResult
	SetMode(mode trading.Mode)
}

// Resyncer asks the poller for a fresh observation.
type Resyncer interface {
	Resync()
}

type CapitalStore interface {
	SaveInitialCapital(ctx context.Context, v decimal.Decimal) error
}

// PositionStore keeps the open time of each mode's position for venues
// that do not report one. A zero time clears it.
type PositionStore interface {
	SavePositionOpenedAt(ctx context.Context, mode trading.Mode, at time.Time) error
}

type Options struct {
	Symbol                string
	Mode                  trading.Mode
	Leverage              int
	MinConfidence         int
	MinTradeValue         decimal.Decimal
	StaleAfter            time.Duration
	HistoryLimit          int
	InitialCapital        decimal.Decimal
	CaptureInitialCapital bool
	Exit                  ExitRules
	// OpenedAt restores open times recorded by a previous run.
	OpenedAt map[trading.Mode]time.Time
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Symbol:                cfg.Trading.Symbol,
		Mode:                  cfg.TradingMode(),
		Leverage:              cfg.Trading.Leverage,
		MinConfidence:         cfg.Trading.MinConfidence,
		MinTradeValue:         decimal.NewFromFloat(cfg.Trading.MinTradeValue),
		StaleAfter:            cfg.StaleAfter(),
		HistoryLimit:          cfg.Trading.HistoryWindow * 5,
		InitialCapital:        decimal.NewFromFloat(cfg.Risk.InitialCapital),
		CaptureInitialCapital: cfg.Risk.CaptureInitialCapital,
		Exit: ExitRules{
			Enabled:            cfg.Exit.Enabled,
			MaxHolding:         cfg.MaxHolding(),
			TrendCollapseScore: cfg.Exit.TrendCollapseScore,
		},
	}
}

type Engine struct {
	opts      Options
	risk      *risk.Evaluator
	advisor   Advisor
	exec      Executor
	sink      audit.Sink
	resync    Resyncer
	capital   CapitalStore
	positions PositionStore
	logger    *logger.Logger
	clock     func() time.Time

	phase   atomic.Int32
	cycleMu sync.Mutex

	mu       sync.RWMutex
	mode     trading.Mode
	cycle    uint64
	initial  decimal.Decimal
	account  trading.AccountState
	snapshot trading.Snapshot
	riskSum  trading.RiskSummary
	riskErr  error
	lastExec time.Time
	history  []trading.Decision
	openedAt map[trading.Mode]time.Time
}

func NewEngine(opts Options, ev *risk.Evaluator, advisor Advisor, exec Executor, sink audit.Sink, log *logger.Logger) *Engine {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1000
	}
	if opts.Leverage < 1 {
		opts.Leverage = 1
	}
	e := &Engine{
		opts:    opts,
		risk:    ev,
		advisor: advisor,
		exec:    exec,
		sink:    sink,
		logger:  log,
		clock:   time.Now,
		mode:     opts.Mode,
		initial:  opts.InitialCapital,
		openedAt: make(map[trading.Mode]time.Time),
	}
	for m, at := range opts.OpenedAt {
		if !at.IsZero() {
			e.openedAt[m] = at
		}
	}
	exec.SetMode(opts.Mode)
	metrics.SetMode(string(opts.Mode))
	return e
}

func (e *Engine) SetResyncer(r Resyncer)           { e.resync = r }
func (e *Engine) SetCapitalStore(s CapitalStore)   { e.capital = s }
func (e *Engine) SetPositionStore(s PositionStore) { e.positions = s }

func (e *Engine) Phase() Phase { return Phase(e.phase.Load()) }

func (e *Engine) setPhase(p Phase) { e.phase.Store(int32(p)) }

// Executing reports whether an order is being submitted right now.
func (e *Engine) Executing() bool { return e.Phase() == PhaseExecuting }

func (e *Engine) EmergencyPending() bool { return e.exec.EmergencyPending() }

// BetweenCycles runs fn while no cycle is in progress.
func (e *Engine) BetweenCycles(fn func() error) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return fn()
}

// ApplyMode re-scopes the engine to mode and drops per-mode risk state.
// Only call it from inside BetweenCycles.
func (e *Engine) ApplyMode(mode trading.Mode) {
	e.mu.Lock()
	e.mode = mode
	e.riskSum = trading.RiskSummary{}
	e.mu.Unlock()

	e.risk.Reset()
	e.exec.SetMode(mode)
	metrics.SetMode(string(mode))
	metrics.SetCooldown(false)
}

func (e *Engine) Mode() trading.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// Observe updates account and risk state from a poll without deciding.
func (e *Engine) Observe(ctx context.Context, obs trading.Observation) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.drainFills(ctx)
	if e.outdated(obs) {
		return trading.ErrObservationOutdated
	}
	_, _, err := e.refresh(ctx, obs)
	return err
}

// RunCycle takes one decision from obs. Skipped cycles return a zero
// Decision and an error; blocked trades are Decisions, not errors.
func (e *Engine) RunCycle(ctx context.Context, obs trading.Observation) (trading.Decision, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	defer e.setPhase(PhaseIdle)

	e.setPhase(PhaseEvaluating)
	e.drainFills(ctx)

	if e.outdated(obs) {
		e.skip(ctx, "outdated", "observation predates last execution", obs.CapturedAt)
		e.requestResync()
		return trading.Decision{}, trading.ErrObservationOutdated
	}

	now := e.clock()
	if age := obs.Snapshot.Age(now); age > e.opts.StaleAfter {
		e.skip(ctx, "stale", fmt.Sprintf("snapshot stale: age %s", age.Round(time.Millisecond)), now)
		return trading.Decision{}, fmt.Errorf("%w: age %s exceeds %s", trading.ErrSnapshotStale, age, e.opts.StaleAfter)
	}

	ind, err := indicator.Compute(obs.Snapshot.Closes)
	if err != nil {
		e.skip(ctx, "history", err.Error(), now)
		return trading.Decision{}, err
	}

	account, riskState, riskErr := e.refresh(ctx, obs)
	mode := e.Mode()
	symbol := e.opts.Symbol
	riskSum := riskState.Summary(symbol)
	pos, held := account.Position(symbol, mode)

	e.mu.Lock()
	e.cycle++
	cycle := e.cycle
	e.mu.Unlock()

	e.setPhase(PhaseDeciding)

	d := trading.Decision{
		ID:        uuid.NewString(),
		Cycle:     cycle,
		Symbol:    symbol,
		Price:     obs.Snapshot.LastPrice,
		Mode:      mode,
		Risk:      riskSum,
		CreatedAt: now,
	}

	in := gateInput{
		emergency:     e.exec.EmergencyPending(),
		riskErr:       riskErr,
		risk:          riskSum,
		held:          held,
		minConfidence: e.opts.MinConfidence,
		minTradeValue: e.opts.MinTradeValue,
	}

	// hard gates skip the advisor
	if !in.emergency && riskErr == nil {
		in.rec, in.advisorErr = e.advisor.Recommend(ctx, ai.Request{
			Symbol:     symbol,
			Mode:       mode,
			Leverage:   e.opts.Leverage,
			Snapshot:   obs.Snapshot,
			Indicators: ind,
			Account:    account,
		})
		if in.advisorErr != nil {
			e.logger.Warn("advisor failed, holding", "cycle", cycle, "error", in.advisorErr)
			metrics.AdvisorFailures.WithLabelValues(advisorFailureKind(in.advisorErr)).Inc()
			in.rec = trading.Recommendation{Action: trading.ActionHold, SourceIndicators: ind, ReceivedAt: now}
		} else {
			in.exitReason = e.opts.Exit.check(pos, held, riskSum, ind, obs.CapturedAt)
		}
	} else {
		in.rec = trading.Recommendation{Action: trading.ActionHold, SourceIndicators: ind}
	}
	d.Recommendation = in.rec

	var planned trading.Order
	in.buyMargin = func() (decimal.Decimal, error) {
		buy := d
		buy.FinalAction = trading.ActionBuy
		o, err := e.exec.Plan(buy, account, obs.Snapshot)
		if err != nil {
			return decimal.Zero, err
		}
		planned = o
		return o.Margin(), nil
	}

	d.Verdict, d.FinalAction = gate(in)
	e.record(ctx, d)

	if !d.Executable() {
		e.setPhase(PhaseBlocked)
		return d, nil
	}

	if d.FinalAction == trading.ActionSell || planned.ClientID == "" {
		planned, err = e.exec.Plan(d, account, obs.Snapshot)
		if err != nil {
			e.logger.Error("plan order", "decision", d.ID, "error", err)
			return d, fmt.Errorf("plan order: %w", err)
		}
	}
	planned.DecisionID = d.ID

	e.setPhase(PhaseExecuting)
	res, err := e.exec.Execute(ctx, planned)
	if err != nil && res.ClientID == "" {
		// refused before submission, e.g. an emergency close arrived
		res = rejected(planned, err, e.clock())
	}
	e.finishExecution(ctx, res)
	if err != nil {
		return d, fmt.Errorf("execute decision %s: %w", d.ID, err)
	}
	return d, nil
}

// refresh adopts obs as the current account/snapshot and re-evaluates risk.
func (e *Engine) refresh(ctx context.Context, obs trading.Observation) (trading.AccountState, risk.State, error) {
	account := obs.Account.Clone()
	account.InitialCapital = e.initialCapital(ctx, account)
	e.stampOpenedAt(&account)

	e.mu.RLock()
	mode := e.mode
	e.mu.RUnlock()

	marks := map[string]decimal.Decimal{e.opts.Symbol: obs.Snapshot.LastPrice}
	st, err := e.risk.Evaluate(account, mode, marks, obs.CapturedAt)

	e.mu.Lock()
	prevErr := e.riskErr
	e.account = account
	e.snapshot = obs.Snapshot
	e.riskErr = err
	if err == nil {
		e.riskSum = st.Summary(e.opts.Symbol)
	}
	e.mu.Unlock()

	if err != nil && (prevErr == nil || prevErr.Error() != err.Error()) {
		e.logger.Error("risk evaluation failed, trading halted", "error", err)
	}
	if err == nil {
		metrics.Drawdown.Set(st.Drawdown)
		metrics.SetCooldown(st.CooldownOn)
	}
	f, _ := account.CurrentTotalAsset.Float64()
	metrics.TotalAsset.Set(f)

	return account, st, err
}

// initialCapital returns the session's capital, capturing it from the
// first valid account poll when configured to.
func (e *Engine) initialCapital(ctx context.Context, account trading.AccountState) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initial.IsPositive() || !e.opts.CaptureInitialCapital || !account.CurrentTotalAsset.IsPositive() {
		return e.initial
	}

	e.initial = account.CurrentTotalAsset
	e.logger.Info("initial capital captured", "value", e.initial.String())
	if e.capital != nil {
		if err := e.capital.SaveInitialCapital(ctx, e.initial); err != nil {
			e.logger.Error("persist initial capital", "error", err)
		}
	}
	return e.initial
}

func (e *Engine) outdated(obs trading.Observation) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.lastExec.IsZero() && obs.CapturedAt.Before(e.lastExec)
}

func (e *Engine) drainFills(ctx context.Context) {
	fills := e.exec.Fills()
	for {
		select {
		case res := <-fills:
			e.finishExecution(ctx, res)
		default:
			return
		}
	}
}

// finishExecution applies a result to owned state. Emergency results have
// already been audited by the dispatcher.
func (e *Engine) finishExecution(ctx context.Context, res trading.ExecutionResult) {
	e.mu.Lock()
	e.lastExec = e.clock()
	e.mu.Unlock()

	if res.ClientID == "" && res.OrderID == "" {
		e.requestResync()
		return
	}
	if !res.Emergency {
		metrics.Executions.WithLabelValues(string(res.Status), "false").Inc()
		e.recordEvent(ctx, audit.ExecutionEvent(res))
	}

	if res.Status == trading.StatusFilled && !res.Duplicate {
		switch res.Action {
		case trading.ActionBuy:
			e.setOpenedAt(ctx, res.Mode, res.At)
		case trading.ActionSell:
			e.setOpenedAt(ctx, res.Mode, time.Time{})
			e.risk.RecordSellFill(res.At)
			metrics.SetCooldown(true)
			e.logger.Info("sell filled, cooldown started", "order_id", res.OrderID, "until", res.At.Add(e.risk.Params().Cooldown))
		}
	}
	e.requestResync()
}

func rejected(o trading.Order, err error, at time.Time) trading.ExecutionResult {
	return trading.ExecutionResult{
		ClientID:   o.ClientID,
		DecisionID: o.DecisionID,
		Symbol:     o.Symbol,
		Action:     o.Action,
		Mode:       o.Mode,
		Status:     trading.StatusRejected,
		Error:      err.Error(),
		At:         at,
	}
}

// setOpenedAt records when a Buy fill opened mode's position; zero clears.
func (e *Engine) setOpenedAt(ctx context.Context, mode trading.Mode, at time.Time) {
	e.mu.Lock()
	if at.IsZero() {
		delete(e.openedAt, mode)
	} else {
		e.openedAt[mode] = at
	}
	e.mu.Unlock()

	if e.positions != nil {
		if err := e.positions.SavePositionOpenedAt(ctx, mode, at); err != nil {
			e.logger.Error("persist position open time", "mode", mode, "error", err)
		}
	}
}

// stampOpenedAt fills in open times the venue left empty.
func (e *Engine) stampOpenedAt(account *trading.AccountState) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range account.Positions {
		p := &account.Positions[i]
		if p.Symbol != e.opts.Symbol || !p.IsOpen() || !p.OpenedAt.IsZero() {
			continue
		}
		if at, ok := e.openedAt[p.Mode]; ok {
			p.OpenedAt = at
		}
	}
}

func (e *Engine) requestResync() {
	if e.resync != nil {
		e.resync.Resync()
	}
}

func (e *Engine) record(ctx context.Context, d trading.Decision) {
	e.mu.Lock()
	e.history = append(e.history, d)
	if over := len(e.history) - e.opts.HistoryLimit; over > 0 {
		e.history = append([]trading.Decision(nil), e.history[over:]...)
	}
	e.mu.Unlock()

	metrics.Decisions.WithLabelValues(string(d.FinalAction), string(d.Verdict.Status), string(d.Verdict.Reason)).Inc()
	e.recordEvent(ctx, audit.DecisionEvent(d))
}

func (e *Engine) skip(ctx context.Context, label, detail string, at time.Time) {
	e.logger.Warn("cycle skipped", "reason", detail)
	metrics.CyclesSkipped.WithLabelValues(label).Inc()
	e.recordEvent(ctx, audit.CycleSkipped(detail, at))
}

func (e *Engine) recordEvent(ctx context.Context, ev audit.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Record(ctx, ev); err != nil {
		e.logger.Warn("audit record failed", "kind", ev.Kind, "error", err)
	}
}

// History returns up to limit decisions, newest first.
func (e *Engine) History(limit int) []trading.Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]trading.Decision, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.history[i])
	}
	return out
}

type Status struct {
	Phase            string               `json:"phase"`
	Mode             trading.Mode         `json:"mode"`
	Symbol           string               `json:"symbol"`
	Cycle            uint64               `json:"cycle"`
	Account          trading.AccountState `json:"account"`
	Price            decimal.Decimal      `json:"price"`
	SnapshotAt       time.Time            `json:"snapshot_at"`
	Risk             trading.RiskSummary  `json:"risk"`
	TradingHalted    string               `json:"trading_halted,omitempty"`
	EmergencyPending bool                 `json:"emergency_pending"`
	LastDecision     *trading.Decision    `json:"last_decision,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{
		Phase:            e.Phase().String(),
		Mode:             e.mode,
		Symbol:           e.opts.Symbol,
		Cycle:            e.cycle,
		Account:          e.account.Clone(),
		Price:            e.snapshot.LastPrice,
		SnapshotAt:       e.snapshot.Timestamp,
		Risk:             e.riskSum,
		EmergencyPending: e.exec.EmergencyPending(),
	}
	if e.riskErr != nil {
		st.TradingHalted = e.riskErr.Error()
	}
	if n := len(e.history); n > 0 {
		last := e.history[n-1]
		st.LastDecision = &last
	}
	return st
}

func advisorFailureKind(err error) string {
	if errors.Is(err, trading.ErrAdvisorMalformedResponse) {
		return "malformed"
	}
	return "unavailable"
}
