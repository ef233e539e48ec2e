// Package broker adapts the Tinkoff Invest API to trading.Exchange. Spot
// mode trades the configured ticker as a share or currency pair, swap mode
// trades its futures contract.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"

	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/trading"
)

const (
	sandboxEndpoint = "sandbox-invest-public-api.tinkoff.ru:443"
	liveEndpoint    = "invest-public-api.tinkoff.ru:443"
)

type BrokerClient struct {
	Client *investgo.Client
	Config *config.Config
	Logger *logger.Logger

	symbol string

	mu   sync.RWMutex
	mode trading.Mode
	inst instrument
}

func NewBrokerClient(ctx context.Context, cfg *config.Config, log *logger.Logger) (*BrokerClient, error) {
	endpoint := liveEndpoint
	if cfg.IsSandbox() {
		endpoint = sandboxEndpoint
	}

	investCfg := investgo.Config{
		EndPoint:  endpoint,
		Token:     cfg.Tinkoff.Token,
		AccountId: cfg.Tinkoff.AccountID,
		AppName:   "crypto-trader",
	}

	client, err := investgo.NewClient(ctx, investCfg, log)
	if err != nil {
		return nil, fmt.Errorf("create investgo client: %w", err)
	}

	bc := &BrokerClient{
		Client: client,
		Config: cfg,
		Logger: log,
		symbol: cfg.Trading.Symbol,
	}

	if cfg.IsSandbox() && cfg.Tinkoff.AccountID == "" {
		if err := bc.setupSandbox(); err != nil {
			return nil, fmt.Errorf("setup sandbox: %w", err)
		}
	}

	if err := bc.SwitchMode(ctx, cfg.TradingMode()); err != nil {
		return nil, err
	}
	return bc, nil
}

func (bc *BrokerClient) setupSandbox() error {
	sandbox := bc.Client.NewSandboxServiceClient()

	// Top up sandbox account with 1,000,000 RUB
	_, err := sandbox.SandboxPayIn(&investgo.SandboxPayInRequest{
		AccountId: bc.Client.Config.AccountId,
		Currency:  "RUB",
		Unit:      1000000,
		Nano:      0,
	})
	if err != nil {
		return fmt.Errorf("sandbox pay in: %w", err)
	}

	bc.Logger.Info("sandbox account funded", "account_id", bc.Client.Config.AccountId)
	return nil
}

// SwitchMode re-resolves the traded instrument for mode. On failure the
// previous instrument stays active.
func (bc *BrokerClient) SwitchMode(ctx context.Context, mode trading.Mode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ticker := bc.symbol
	if mode == trading.ModeSwap && bc.Config.Tinkoff.FuturesTicker != "" {
		ticker = bc.Config.Tinkoff.FuturesTicker
	}

	inst, err := bc.resolve(ticker, mode)
	if err != nil {
		return fmt.Errorf("resolve %s instrument for %s: %w", mode, ticker, err)
	}
	tradable, err := bc.FilterTradable([]string{inst.uid})
	if err != nil {
		return fmt.Errorf("trading status %s: %w", ticker, err)
	}
	if !tradable[inst.uid] {
		return fmt.Errorf("%s (%s) is not available for API market orders", ticker, inst.uid)
	}

	bc.mu.Lock()
	bc.mode = mode
	bc.inst = inst
	bc.mu.Unlock()

	bc.Logger.Info("broker instrument selected", "mode", mode, "ticker", inst.ticker, "uid", inst.uid, "lot", inst.lot)
	return nil
}

func (bc *BrokerClient) active() (trading.Mode, instrument) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.mode, bc.inst
}

func (bc *BrokerClient) AccountID() string {
	return bc.Client.Config.AccountId
}

func (bc *BrokerClient) Stop() error {
	return bc.Client.Stop()
}
