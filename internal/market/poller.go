// Package market polls the exchange for the price snapshot and the account
// and hands the latest observation to the decision loop.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/metrics"
	"github.com/camuig/crypto-trader/internal/trading"
	"github.com/camuig/crypto-trader/internal/workpool"
)

// Alerter is told when polling keeps failing and when it recovers.
type Alerter interface {
	NotifyError(context string, err error)
	NotifyStatus(message string)
}

type Config struct {
	Symbol     string
	Interval   time.Duration
	AlertAfter int
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Symbol:     cfg.Trading.Symbol,
		Interval:   cfg.PollInterval(),
		AlertAfter: cfg.Trading.AlertAfterFailures,
	}
}

type Poller struct {
	exchange trading.Exchange
	pool     *workpool.Pool
	cfg      Config
	alerter  Alerter
	logger   *logger.Logger
	clock    func() time.Time

	out    chan trading.Observation
	resync chan struct{}

	mu       sync.Mutex
	failures int
	alerted  bool
}

// NewPoller builds a poller. alerter may be nil.
func NewPoller(exchange trading.Exchange, pool *workpool.Pool, cfg Config, alerter Alerter, log *logger.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Poller{
		exchange: exchange,
		pool:     pool,
		cfg:      cfg,
		alerter:  alerter,
		logger:   log,
		clock:    time.Now,
		out:      make(chan trading.Observation, 1),
		resync:   make(chan struct{}, 1),
	}
}

// Observations yields the most recent observation; older unread ones are
// dropped.
func (p *Poller) Observations() <-chan trading.Observation { return p.out }

// Resync asks for an immediate poll.
func (p *Poller) Resync() {
	select {
	case p.resync <- struct{}{}:
	default:
	}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("poller started", "symbol", p.cfg.Symbol, "interval", p.cfg.Interval.String())
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-p.resync:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	obs, err := p.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.failed(err)
		}
		return
	}
	p.recovered()
	p.publish(obs)
}

// Poll fetches the snapshot and the account concurrently. CapturedAt is the
// time the fetch started.
func (p *Poller) Poll(ctx context.Context) (trading.Observation, error) {
	obs := trading.Observation{CapturedAt: p.clock()}

	errs := p.pool.All(ctx,
		func(ctx context.Context) error {
			snap, err := p.exchange.GetSnapshot(ctx, p.cfg.Symbol)
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			obs.Snapshot = snap
			return nil
		},
		func(ctx context.Context) error {
			acc, err := p.exchange.GetAccountState(ctx)
			if err != nil {
				return fmt.Errorf("account: %w", err)
			}
			obs.Account = acc
			return nil
		},
	)
	if err := errors.Join(errs...); err != nil {
		return trading.Observation{}, err
	}
	return obs, nil
}

func (p *Poller) publish(obs trading.Observation) {
	for {
		select {
		case p.out <- obs:
			return
		default:
		}
		select {
		case <-p.out:
		default:
		}
	}
}

func (p *Poller) failed(err error) {
	metrics.PollFailures.Inc()

	p.mu.Lock()
	p.failures++
	n := p.failures
	alert := p.cfg.AlertAfter > 0 && n >= p.cfg.AlertAfter && !p.alerted
	if alert {
		p.alerted = true
	}
	p.mu.Unlock()

	p.logger.Warn("poll failed", "consecutive", n, "error", err)
	if alert && p.alerter != nil {
		p.alerter.NotifyError(fmt.Sprintf("polling %s failed %d times in a row", p.cfg.Symbol, n), err)
	}
}

func (p *Poller) recovered() {
	p.mu.Lock()
	n, alerted := p.failures, p.alerted
	p.failures = 0
	p.alerted = false
	p.mu.Unlock()

	if n == 0 {
		return
	}
	p.logger.Info("polling recovered", "after_failures", n)
	if alerted && p.alerter != nil {
		p.alerter.NotifyStatus(fmt.Sprintf("polling %s recovered after %d failures", p.cfg.Symbol, n))
	}
}

// Failures is the current run of consecutive failed polls.
func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}
