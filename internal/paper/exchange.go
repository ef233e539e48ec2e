// Package paper is an in-memory exchange: a random-walk price feed plus a
// cash/position ledger that fills market orders at the last price.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/trading"
)

type position struct {
	size     decimal.Decimal
	entry    decimal.Decimal
	margin   decimal.Decimal
	openedAt time.Time
}

type Exchange struct {
	mu         sync.Mutex
	symbol     string
	price      float64
	closes     []float64
	window     int
	volatility float64
	rng        *rand.Rand
	clock      func() time.Time

	cash      decimal.Decimal
	positions map[trading.Mode]*position
	orders    map[string]trading.ExecutionResult
	seq       int
	frozen    bool
}

func New(symbol string, startPrice, startCash, volatility float64, window int, seed int64) *Exchange {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	x := &Exchange{
		symbol:     symbol,
		price:      startPrice,
		window:     window,
		volatility: volatility,
		rng:        rand.New(rand.NewSource(seed)),
		clock:      time.Now,
		cash:       decimal.NewFromFloat(startCash),
		positions:  make(map[trading.Mode]*position),
		orders:     make(map[string]trading.ExecutionResult),
	}
	// pre-fill history so indicators are available from the first poll
	for i := 0; i < window; i++ {
		x.step()
	}
	return x
}

func NewFromConfig(cfg *config.Config) *Exchange {
	return New(cfg.Trading.Symbol, cfg.Paper.StartPrice, cfg.Paper.StartCash,
		cfg.Paper.Volatility, cfg.Trading.HistoryWindow, cfg.Paper.Seed)
}

func (x *Exchange) step() {
	if !x.frozen {
		x.price *= 1 + x.rng.NormFloat64()*x.volatility
	}
	x.closes = append(x.closes, x.price)
	if len(x.closes) > x.window {
		x.closes = x.closes[len(x.closes)-x.window:]
	}
}

// SetPrice pins the price; later snapshots no longer move it.
func (x *Exchange) SetPrice(p float64) {
	x.mu.Lock()
	x.price = p
	x.frozen = true
	x.mu.Unlock()
}

func (x *Exchange) GetSnapshot(ctx context.Context, symbol string) (trading.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return trading.Snapshot{}, err
	}
	if symbol != x.symbol {
		return trading.Snapshot{}, fmt.Errorf("paper exchange only quotes %s", x.symbol)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.step()
	last := decimal.NewFromFloat(x.price)
	spread := last.Mul(decimal.NewFromFloat(0.0005))
	return trading.Snapshot{
		Symbol:    symbol,
		Timestamp: x.clock(),
		LastPrice: last,
		Bid:       last.Sub(spread),
		Ask:       last.Add(spread),
		Closes:    append([]float64(nil), x.closes...),
	}, nil
}

func (x *Exchange) GetAccountState(ctx context.Context) (trading.AccountState, error) {
	if err := ctx.Err(); err != nil {
		return trading.AccountState{}, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	price := decimal.NewFromFloat(x.price)
	total := x.cash
	var positions []trading.Position
	for mode, p := range x.positions {
		if mode == trading.ModeSwap {
			total = total.Add(p.margin).Add(price.Sub(p.entry).Mul(p.size))
		} else {
			total = total.Add(p.size.Mul(price))
		}
		positions = append(positions, trading.Position{
			Symbol:     x.symbol,
			Side:       trading.SideLong,
			Size:       p.size,
			EntryPrice: p.entry,
			Mode:       mode,
			OpenedAt:   p.openedAt,
		})
	}

	return trading.AccountState{
		CurrentTotalAsset: total,
		AvailableBalance:  x.cash,
		Positions:         positions,
	}, nil
}

// PlaceOrder fills at the last price. Re-sending a client id returns the
// original result.
func (x *Exchange) PlaceOrder(ctx context.Context, order trading.Order) (trading.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return trading.ExecutionResult{}, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if prev, ok := x.orders[order.ClientID]; ok {
		return prev, nil
	}

	x.seq++
	res := trading.ExecutionResult{
		OrderID: fmt.Sprintf("paper-%d", x.seq),
		At:      x.clock(),
	}
	price := decimal.NewFromFloat(x.price)

	// limit orders are fill-or-kill against the current price
	if !order.WithinLimit(price) {
		res.Status = trading.StatusRejected
		res.Error = fmt.Sprintf("price %s beyond limit %s", price.StringFixed(2), order.LimitPrice.StringFixed(2))
		x.orders[order.ClientID] = res
		return res, nil
	}

	switch order.Action {
	case trading.ActionBuy:
		cost := order.Quantity.Mul(price)
		if order.Mode == trading.ModeSwap && order.Leverage > 1 {
			cost = cost.Div(decimal.NewFromInt(int64(order.Leverage)))
		}
		if cost.GreaterThan(x.cash) {
			res.Status = trading.StatusRejected
			res.Error = fmt.Sprintf("insufficient balance: need %s, have %s", cost.StringFixed(2), x.cash.StringFixed(2))
			break
		}
		x.cash = x.cash.Sub(cost)
		p, ok := x.positions[order.Mode]
		if !ok {
			p = &position{openedAt: res.At}
			x.positions[order.Mode] = p
		}
		newSize := p.size.Add(order.Quantity)
		p.entry = p.entry.Mul(p.size).Add(price.Mul(order.Quantity)).Div(newSize)
		p.size = newSize
		p.margin = p.margin.Add(cost)
		res.Status = trading.StatusFilled
		res.FilledQty = order.Quantity
		res.FilledPrice = price

	case trading.ActionSell:
		p, ok := x.positions[order.Mode]
		if !ok || order.Quantity.GreaterThan(p.size) {
			res.Status = trading.StatusRejected
			res.Error = "sell exceeds position"
			break
		}
		share := order.Quantity.Div(p.size)
		if order.Mode == trading.ModeSwap {
			margin := p.margin.Mul(share)
			x.cash = x.cash.Add(margin).Add(price.Sub(p.entry).Mul(order.Quantity))
			p.margin = p.margin.Sub(margin)
		} else {
			x.cash = x.cash.Add(order.Quantity.Mul(price))
		}
		p.size = p.size.Sub(order.Quantity)
		if !p.size.IsPositive() {
			delete(x.positions, order.Mode)
		}
		res.Status = trading.StatusFilled
		res.FilledQty = order.Quantity
		res.FilledPrice = price

	default:
		res.Status = trading.StatusRejected
		res.Error = fmt.Sprintf("unsupported action %s", order.Action)
	}

	x.orders[order.ClientID] = res
	return res, nil
}

// CancelOrder always fails: market orders fill on submission.
func (x *Exchange) CancelOrder(context.Context, string) bool { return false }

// SwitchMode has nothing to reconnect; positions are already kept per mode.
func (x *Exchange) SwitchMode(ctx context.Context, _ trading.Mode) error {
	return ctx.Err()
}
