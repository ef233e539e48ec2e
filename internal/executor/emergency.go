package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/crypto-trader/internal/audit"
	"github.com/camuig/crypto-trader/internal/metrics"
	"github.com/camuig/crypto-trader/internal/trading"
)

// RequestEmergencyClose opens a liquidation request that must be confirmed
// before its deadline.
func (d *Dispatcher) RequestEmergencyClose(ctx context.Context) (trading.EmergencyRequest, error) {
	d.expireEmergency()

	now := d.clock()
	d.mu.Lock()
	if d.emergency != nil {
		d.mu.Unlock()
		return trading.EmergencyRequest{}, trading.ErrEmergencyPending
	}
	req := trading.EmergencyRequest{
		ID:              uuid.NewString(),
		RequestedAt:     now,
		ConfirmDeadline: now.Add(d.cfg.ConfirmDelay),
	}
	d.emergency = &req
	d.mu.Unlock()

	metrics.EmergencyState.Set(1)
	d.logger.Warn("emergency close requested", "id", req.ID, "deadline", req.ConfirmDeadline)
	d.record(ctx, audit.Emergency(req, audit.EmergencyRequested, now))
	return req, nil
}

// ConfirmEmergency liquidates every open position on the symbol, in every
// mode, if called strictly before the deadline. An in-flight normal order is
// cancelled when the exchange allows it, otherwise liquidation waits for it
// to resolve. It returns one result per submitted liquidation order.
func (d *Dispatcher) ConfirmEmergency(ctx context.Context) ([]trading.ExecutionResult, error) {
	now := d.clock()

	d.mu.Lock()
	req := d.emergency
	if req == nil {
		d.mu.Unlock()
		return nil, trading.ErrNoEmergencyRequest
	}
	if req.Confirmed {
		d.mu.Unlock()
		return nil, trading.ErrEmergencyConfirmed
	}
	if req.Expired(now) {
		expired := *req
		d.emergency = nil
		d.mu.Unlock()
		d.onExpired(ctx, expired, now)
		return nil, trading.ErrEmergencyExpired
	}
	req.Confirmed = true
	confirmed := *req
	inf := d.inflight
	d.mu.Unlock()

	metrics.EmergencyState.Set(2)
	d.logger.Warn("emergency close confirmed", "id", confirmed.ID)
	d.record(ctx, audit.Emergency(confirmed, audit.EmergencyConfirmed, now))

	// the liquidation must run even if the caller goes away
	lctx := context.WithoutCancel(ctx)

	if inf != nil {
		d.preempt(lctx, inf)
	}

	results, err := d.liquidate(lctx, confirmed)

	d.mu.Lock()
	d.emergency = nil
	d.mu.Unlock()
	metrics.EmergencyState.Set(0)

	for _, res := range results {
		metrics.Executions.WithLabelValues(string(res.Status), "true").Inc()
		d.record(lctx, audit.ExecutionEvent(res))
		select {
		case d.fills <- res:
		default:
			d.logger.Error("fills channel full, liquidation result not delivered to engine", "order_id", res.OrderID)
		}
	}
	return results, err
}

func (d *Dispatcher) preempt(ctx context.Context, inf *inflight) {
	if !inf.submitting.Load() {
		d.logger.Warn("cancelling queued order for liquidation", "client_id", inf.order.ClientID)
		inf.cancel()
	} else if d.exchange.CancelOrder(ctx, inf.order.ClientID) {
		d.logger.Warn("cancelled in-flight order at exchange", "client_id", inf.order.ClientID)
		inf.cancel()
	} else {
		d.logger.Warn("in-flight order not cancelable, liquidating after it resolves", "client_id", inf.order.ClientID)
	}
	<-inf.done
}

// liquidate sells each open position on the symbol, active mode first.
// Positions in another mode are closed by re-scoping the exchange to that
// mode, which is switched back to the active mode afterwards.
func (d *Dispatcher) liquidate(ctx context.Context, req trading.EmergencyRequest) ([]trading.ExecutionResult, error) {
	var account trading.AccountState
	err := d.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		account, err = d.exchange.GetAccountState(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: liquidation account fetch: %v", trading.ErrExecutionFailed, err)
	}

	active := d.Mode()
	var open []trading.Position
	for _, p := range account.Positions {
		if p.Symbol == d.cfg.Symbol && p.IsOpen() {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		d.logger.Info("emergency close: no open position", "symbol", d.cfg.Symbol)
		return nil, nil
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].Mode == active && open[j].Mode != active })

	switcher, _ := d.exchange.(trading.ModeSwitcher)
	scoped := active
	var (
		results []trading.ExecutionResult
		errs    []error
	)
	for _, pos := range open {
		if pos.Mode != scoped {
			if switcher == nil {
				errs = append(errs, fmt.Errorf("%w: exchange cannot switch to %s", trading.ErrExecutionFailed, pos.Mode))
				continue
			}
			if err := switcher.SwitchMode(ctx, pos.Mode); err != nil {
				errs = append(errs, fmt.Errorf("%w: switch to %s: %v", trading.ErrExecutionFailed, pos.Mode, err))
				continue
			}
			scoped = pos.Mode
		}

		order := trading.Order{
			ClientID:  "emergency-" + req.ID + "-" + string(pos.Mode),
			Symbol:    d.cfg.Symbol,
			Action:    trading.ActionSell,
			Quantity:  pos.Size.Abs(),
			RefPrice:  pos.EntryPrice,
			Mode:      pos.Mode,
			Leverage:  1,
			Emergency: true,
		}
		d.logger.Warn("submitting liquidation", "client_id", order.ClientID, "mode", pos.Mode, "qty", order.Quantity.String())
		res, err := d.submit(ctx, order, nil)
		if res.ClientID != "" {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	if scoped != active {
		if err := switcher.SwitchMode(ctx, active); err != nil {
			d.logger.Error("restore exchange mode after liquidation", "mode", active, "error", err)
			errs = append(errs, fmt.Errorf("%w: restore %s: %v", trading.ErrExecutionFailed, active, err))
		}
	}
	return results, errors.Join(errs...)
}

// CancelEmergency drops a pending, unconfirmed request.
func (d *Dispatcher) CancelEmergency(ctx context.Context) error {
	now := d.clock()

	d.mu.Lock()
	req := d.emergency
	if req == nil {
		d.mu.Unlock()
		return trading.ErrNoEmergencyRequest
	}
	if req.Confirmed {
		d.mu.Unlock()
		return trading.ErrEmergencyConfirmed
	}
	cancelled := *req
	d.emergency = nil
	d.mu.Unlock()

	metrics.EmergencyState.Set(0)
	d.logger.Info("emergency close cancelled", "id", cancelled.ID)
	d.record(ctx, audit.Emergency(cancelled, audit.EmergencyCancelled, now))
	return nil
}

// EmergencyPending reports a live request, pending or being liquidated.
func (d *Dispatcher) EmergencyPending() bool {
	d.expireEmergency()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emergency != nil
}

// Emergency returns the live request, if any.
func (d *Dispatcher) Emergency() (trading.EmergencyRequest, bool) {
	d.expireEmergency()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.emergency == nil {
		return trading.EmergencyRequest{}, false
	}
	return *d.emergency, true
}

// expireEmergency destroys an unconfirmed request whose deadline passed.
func (d *Dispatcher) expireEmergency() {
	now := d.clock()
	d.mu.Lock()
	req := d.emergency
	if req == nil || !req.Expired(now) {
		d.mu.Unlock()
		return
	}
	expired := *req
	d.emergency = nil
	d.mu.Unlock()

	d.onExpired(context.Background(), expired, now)
}

func (d *Dispatcher) onExpired(ctx context.Context, req trading.EmergencyRequest, now time.Time) {
	metrics.EmergencyState.Set(0)
	d.logger.Warn("emergency close expired unconfirmed", "id", req.ID)
	d.record(ctx, audit.Emergency(req, audit.EmergencyExpired, now))
}

func (d *Dispatcher) record(ctx context.Context, ev audit.Event) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Record(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("audit record failed", "kind", ev.Kind, "error", err)
	}
}
