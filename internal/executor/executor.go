// Package executor submits approved decisions to the exchange and runs the
// confirmed emergency liquidation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/camuig/crypto-trader/internal/audit"
	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/metrics"
	"github.com/camuig/crypto-trader/internal/trading"
	"github.com/camuig/crypto-trader/internal/workpool"
)

// qtyPlaces is the quantity precision orders are rounded down to.
const qtyPlaces = 8

type Config struct {
	Symbol       string
	Leverage     int
	MinRatio     float64
	MaxRatio     float64
	MaxRetries   int
	Backoff      time.Duration
	ConfirmDelay time.Duration
	Slippage     float64
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Symbol:       cfg.Trading.Symbol,
		Leverage:     cfg.Trading.Leverage,
		MinRatio:     cfg.Trading.PositionMinRatio,
		MaxRatio:     cfg.Trading.PositionMaxRatio,
		MaxRetries:   cfg.Execution.MaxRetries,
		Backoff:      cfg.ExecutionBackoff(),
		ConfirmDelay: cfg.EmergencyConfirmDelay(),
		Slippage:     cfg.Execution.SlippageTolerance,
	}
}

// inflight is the normal order currently being submitted.
type inflight struct {
	order      trading.Order
	cancel     context.CancelFunc
	done       chan struct{}
	submitting atomic.Bool
}

type Dispatcher struct {
	exchange trading.Exchange
	pool     *workpool.Pool
	sink     audit.Sink
	cfg      Config
	logger   *logger.Logger
	clock    func() time.Time

	mu        sync.Mutex
	mode      trading.Mode
	inflight  *inflight
	emergency *trading.EmergencyRequest
	byClient  map[string]trading.ExecutionResult
	byOrder   map[string]trading.ExecutionResult

	fills chan trading.ExecutionResult
}

func NewDispatcher(exchange trading.Exchange, pool *workpool.Pool, sink audit.Sink, cfg Config, log *logger.Logger) *Dispatcher {
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	return &Dispatcher{
		exchange: exchange,
		pool:     pool,
		sink:     sink,
		cfg:      cfg,
		logger:   log,
		clock:    time.Now,
		mode:     trading.ModeSpot,
		byClient: make(map[string]trading.ExecutionResult),
		byOrder:  make(map[string]trading.ExecutionResult),
		fills:    make(chan trading.ExecutionResult, 8),
	}
}

func (d *Dispatcher) SetMode(mode trading.Mode) {
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()
}

func (d *Dispatcher) Mode() trading.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Fills carries liquidation results to the decision engine.
func (d *Dispatcher) Fills() <-chan trading.ExecutionResult { return d.fills }

// Plan sizes the order for an approved decision. Buy spends a clamped share
// of the available balance (times leverage in swap mode); Sell closes the
// whole position.
func (d *Dispatcher) Plan(dec trading.Decision, account trading.AccountState, snap trading.Snapshot) (trading.Order, error) {
	price := snap.LastPrice
	if !price.IsPositive() {
		return trading.Order{}, fmt.Errorf("plan %s: no usable price", dec.FinalAction)
	}

	lev := 1
	if dec.Mode == trading.ModeSwap {
		lev = d.cfg.Leverage
	}

	order := trading.Order{
		ClientID:   uuid.NewString(),
		DecisionID: dec.ID,
		Symbol:     dec.Symbol,
		Action:     dec.FinalAction,
		RefPrice:   price,
		Mode:       dec.Mode,
		Leverage:   lev,
	}

	switch dec.FinalAction {
	case trading.ActionBuy:
		ratio := clamp(dec.Recommendation.PositionPct/100, d.cfg.MinRatio, d.cfg.MaxRatio)
		notional := account.AvailableBalance.
			Mul(decimal.NewFromFloat(ratio)).
			Mul(decimal.NewFromInt(int64(lev)))
		order.Quantity = notional.Div(price).RoundDown(qtyPlaces)
		if !order.Quantity.IsPositive() {
			return trading.Order{}, fmt.Errorf("plan buy: balance %s too small", account.AvailableBalance)
		}
	case trading.ActionSell:
		pos, ok := account.Position(dec.Symbol, dec.Mode)
		if !ok {
			return trading.Order{}, fmt.Errorf("plan sell: no open %s position in %s", dec.Symbol, dec.Mode)
		}
		order.Quantity = pos.Size.Abs()
	default:
		return trading.Order{}, fmt.Errorf("plan: %s is not a trade", dec.FinalAction)
	}
	order.LimitPrice = limitPrice(dec.FinalAction, price, d.cfg.Slippage)
	return order, nil
}

// limitPrice is price moved against the trade by slippage; zero means a
// market order.
func limitPrice(action trading.Action, price decimal.Decimal, slippage float64) decimal.Decimal {
	if slippage <= 0 {
		return decimal.Zero
	}
	s := decimal.NewFromFloat(slippage)
	if action == trading.ActionBuy {
		return price.Mul(decimal.NewFromInt(1).Add(s))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(s))
}

// Execute submits a normal order. It is refused while an emergency request
// exists, and a client id that already executed returns the stored result
// flagged Duplicate.
func (d *Dispatcher) Execute(ctx context.Context, order trading.Order) (trading.ExecutionResult, error) {
	d.expireEmergency()

	d.mu.Lock()
	if d.emergency != nil {
		d.mu.Unlock()
		return trading.ExecutionResult{}, trading.ErrEmergencyPending
	}
	if prev, ok := d.byClient[order.ClientID]; ok {
		d.mu.Unlock()
		prev.Duplicate = true
		return prev, nil
	}
	if d.inflight != nil {
		d.mu.Unlock()
		return trading.ExecutionResult{}, fmt.Errorf("order %s still in flight", d.inflight.order.ClientID)
	}
	ictx, cancel := context.WithCancel(ctx)
	inf := &inflight{order: order, cancel: cancel, done: make(chan struct{})}
	d.inflight = inf
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inflight = nil
		d.mu.Unlock()
		cancel()
		close(inf.done)
	}()

	d.logger.Info("submitting order",
		"client_id", order.ClientID,
		"action", order.Action,
		"qty", order.Quantity.String(),
		"mode", order.Mode)

	return d.submit(ictx, order, inf)
}

// submit places the order, retrying transport failures with linear
// backoff under the same client id. Rejections are final.
func (d *Dispatcher) submit(ctx context.Context, order trading.Order, inf *inflight) (trading.ExecutionResult, error) {
	var lastErr error
	attempts := 0

	for i := 0; i <= d.cfg.MaxRetries; i++ {
		if i > 0 {
			metrics.OrderRetries.Inc()
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(i) * d.cfg.Backoff):
			}
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		attempts++
		var (
			res      trading.ExecutionResult
			placeErr error
		)
		if err := d.pool.Do(ctx, func(ctx context.Context) error {
			if inf != nil {
				inf.submitting.Store(true)
				defer inf.submitting.Store(false)
			}
			res, placeErr = d.exchange.PlaceOrder(ctx, order)
			return nil
		}); err != nil {
			lastErr = err
			break
		}
		if placeErr != nil {
			lastErr = placeErr
			d.logger.Warn("order attempt failed", "client_id", order.ClientID, "attempt", attempts, "error", placeErr)
			continue
		}

		res.Attempts = attempts
		return d.settle(order, res), nil
	}

	res := d.settle(order, trading.ExecutionResult{
		Status:   trading.StatusFailed,
		Attempts: attempts,
		Error:    errString(lastErr),
	})
	if errors.Is(lastErr, context.Canceled) && ctx.Err() != nil {
		d.logger.Warn("order submission cancelled", "client_id", order.ClientID)
	} else {
		d.logger.Error("order failed", "client_id", order.ClientID, "attempts", attempts, "error", lastErr)
	}
	return res, fmt.Errorf("%w: %s after %d attempts: %v", trading.ErrExecutionFailed, order.ClientID, attempts, lastErr)
}

// settle fills in order fields and dedupes by exchange order id.
func (d *Dispatcher) settle(order trading.Order, res trading.ExecutionResult) trading.ExecutionResult {
	res.ClientID = order.ClientID
	res.DecisionID = order.DecisionID
	res.Symbol = order.Symbol
	res.Action = order.Action
	res.Mode = order.Mode
	res.Emergency = order.Emergency
	if res.At.IsZero() {
		res.At = d.clock()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if res.OrderID != "" {
		if prev, ok := d.byOrder[res.OrderID]; ok {
			prev.Duplicate = true
			return prev
		}
		d.byOrder[res.OrderID] = res
	}
	if res.Status != trading.StatusFailed {
		d.byClient[order.ClientID] = res
	}
	return res
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
