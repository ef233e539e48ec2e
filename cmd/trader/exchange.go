package main

import (
	"context"
	"fmt"

	"github.com/camuig/crypto-trader/internal/broker"
	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/paper"
	"github.com/camuig/crypto-trader/internal/trading"
)

type venue interface {
	trading.Exchange
	trading.ModeSwitcher
}

// openExchange connects the configured venue. stop releases it.
func openExchange(ctx context.Context, cfg *config.Config, log *logger.Logger) (venue, func(), error) {
	if cfg.Exchange.Kind == "paper" {
		log.Info("using paper exchange", "symbol", cfg.Trading.Symbol, "start_cash", cfg.Paper.StartCash)
		return paper.NewFromConfig(cfg), func() {}, nil
	}

	bc, err := broker.NewBrokerClient(ctx, cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("broker client init: %w", err)
	}
	log.Info("broker connected", "account_id", bc.AccountID(), "sandbox", cfg.IsSandbox())

	stop := func() {
		if err := bc.Stop(); err != nil {
			log.Error("broker client stop error", "error", err)
		}
	}
	return bc, stop, nil
}
