package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/executor"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/trading"
	"github.com/camuig/crypto-trader/internal/workpool"
)

func closeAllCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "closeall",
		Short: "Close every open position on the configured symbol",
		Long: `closeall sells every open position on the configured symbol, in both
spot and swap mode, using the same retrying dispatcher as the trading loop.
Do not run it while the trading loop is running; use the emergency close
endpoint instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return closeAll(dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show positions without closing")
	return cmd
}

func closeAll(dryRun bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logger.New(cfg.Logging.Level)

	ctx := context.Background()
	ex, stop, err := openExchange(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stop()

	account, err := ex.GetAccountState(ctx)
	if err != nil {
		return fmt.Errorf("get account state: %w", err)
	}

	var open []trading.Position
	for _, p := range account.Positions {
		if p.Symbol == cfg.Trading.Symbol && p.IsOpen() {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		fmt.Println("No open positions.")
		return nil
	}

	fmt.Printf("Found %d position(s):\n\n", len(open))
	for _, p := range open {
		fmt.Printf("  %s %s %s: %s @ %s\n", p.Symbol, p.Mode, p.Side, p.Size, p.EntryPrice)
	}
	fmt.Println()

	if dryRun {
		fmt.Println("Dry run, no orders placed.")
		return nil
	}

	dispatcher := executor.NewDispatcher(ex, workpool.New(1), nil, executor.ConfigFrom(cfg), log)

	var closed, failed int
	for _, p := range open {
		if err := ex.SwitchMode(ctx, p.Mode); err != nil {
			fmt.Fprintf(os.Stderr, "  [FAIL] %s %s: switch mode: %v\n", p.Symbol, p.Mode, err)
			failed++
			continue
		}
		dispatcher.SetMode(p.Mode)

		res, err := dispatcher.Execute(ctx, trading.Order{
			ClientID:  "closeall-" + uuid.NewString(),
			Symbol:    p.Symbol,
			Action:    trading.ActionSell,
			Quantity:  p.Size.Abs(),
			RefPrice:  p.EntryPrice,
			Mode:      p.Mode,
			Leverage:  cfg.Trading.Leverage,
			Emergency: true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "  [FAIL] %s %s: %v\n", p.Symbol, p.Mode, err)
			failed++
			continue
		}
		if res.Status != trading.StatusFilled {
			fmt.Fprintf(os.Stderr, "  [FAIL] %s %s: %s %s\n", p.Symbol, p.Mode, res.Status, res.Error)
			failed++
			continue
		}
		fmt.Printf("  [OK] %s %s: %s filled @ %s (order %s)\n", p.Symbol, p.Mode, res.FilledQty, res.FilledPrice, res.OrderID)
		closed++
	}

	fmt.Printf("\nClosed: %d, failed: %d\n", closed, failed)
	if failed > 0 {
		return fmt.Errorf("%d position(s) not closed", failed)
	}
	return nil
}
