package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/camuig/crypto-trader/internal/ai"
	"github.com/camuig/crypto-trader/internal/audit"
	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/decision"
	"github.com/camuig/crypto-trader/internal/executor"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/market"
	"github.com/camuig/crypto-trader/internal/mode"
	"github.com/camuig/crypto-trader/internal/risk"
	"github.com/camuig/crypto-trader/internal/scheduler"
	"github.com/camuig/crypto-trader/internal/storage"
	"github.com/camuig/crypto-trader/internal/telegram"
	"github.com/camuig/crypto-trader/internal/trading"
	"github.com/camuig/crypto-trader/internal/web"
	"github.com/camuig/crypto-trader/internal/workpool"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the trading loop and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	log := logger.New(cfg.Logging.Level)

	db, err := storage.NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	repo := storage.NewRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a restart resumes the mode the operator last chose
	if m, ok, err := repo.LoadMode(ctx); err != nil {
		log.Warn("load persisted mode", "error", err)
	} else if ok {
		cfg.Trading.Mode = string(m)
	}

	opts := decision.OptionsFromConfig(cfg)
	if capital, ok, err := repo.LoadInitialCapital(ctx); err != nil {
		log.Warn("load initial capital", "error", err)
	} else if ok && capital.IsPositive() {
		opts.InitialCapital = capital
		log.Info("initial capital restored", "value", capital.String())
	}
	opts.OpenedAt = make(map[trading.Mode]time.Time)
	for _, m := range []trading.Mode{trading.ModeSpot, trading.ModeSwap} {
		if at, ok, err := repo.LoadPositionOpenedAt(ctx, m); err != nil {
			log.Warn("load position open time", "mode", m, "error", err)
		} else if ok {
			opts.OpenedAt[m] = at
		}
	}

	log.Info("starting crypto-trader",
		"exchange", cfg.Exchange.Kind,
		"symbol", cfg.Trading.Symbol,
		"mode", opts.Mode)

	ex, stopExchange, err := openExchange(ctx, cfg, log.Component("exchange"))
	if err != nil {
		return err
	}
	defer stopExchange()

	pool := workpool.New(cfg.Execution.Workers)
	notifier := telegram.NewNotifier(cfg, log.Component("telegram"))

	hub := audit.NewHub(log.Component("ws"))
	go hub.Run(ctx)

	sink := audit.NewFanout(log)
	sink.Add("log", audit.NewLogSink(log.Component("audit")))
	sink.Add("storage", repo)
	sink.Add("websocket", hub)
	sink.Add("telegram", notifier)
	if rdb := openRedis(ctx, cfg, log); rdb != nil {
		defer rdb.Close()
		sink.Add("redis", audit.NewRedisSink(rdb, cfg.Redis.Stream, cfg.Redis.MaxLen))
	}

	dispatcher := executor.NewDispatcher(ex, pool, sink, executor.ConfigFrom(cfg), log.Component("executor"))

	gateway := ai.NewGateway(ai.NewDeepSeekClient(cfg, log), pool, ai.GatewayConfig{
		Timeout:    cfg.DeepSeekTimeout(),
		MaxRetries: cfg.DeepSeek.MaxRetries,
		Backoff:    cfg.AdvisorBackoff(),
	}, log.Component("advisor"))

	evaluator := risk.NewEvaluator(risk.Params{
		MaxDrawdown:    cfg.Risk.MaxDrawdownThreshold,
		Cooldown:       cfg.CooldownDuration(),
		TrailingFactor: cfg.Risk.TrailingStopFactor,
	})

	engine := decision.NewEngine(opts, evaluator, gateway, dispatcher, sink, log.Component("engine"))
	poller := market.NewPoller(ex, pool, market.ConfigFrom(cfg), notifier, log.Component("poller"))
	engine.SetResyncer(poller)
	engine.SetCapitalStore(repo)
	engine.SetPositionStore(repo)

	modes := mode.NewController(engine, ex, repo, sink, log.Component("mode"))
	sched := scheduler.NewScheduler(engine, poller.Observations(), repo, notifier, cfg.DecisionInterval(), log.Component("scheduler"))
	webServer := web.NewServer(web.Deps{
		Engine:    engine,
		Emergency: dispatcher,
		Modes:     modes,
		Store:     repo,
		Hub:       hub,
	}, cfg, log.Component("web"))

	go poller.Run(ctx)
	go sched.Run(ctx)

	go func() {
		if err := webServer.Start(); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	notifier.NotifyStatus(fmt.Sprintf("🤖 crypto-trader started (%s, %s)", cfg.Trading.Symbol, opts.Mode))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}

	notifier.NotifyStatus("🛑 crypto-trader stopped")
	log.Info("crypto-trader stopped")
	return nil
}

// openRedis returns nil when the stream sink is disabled or unreachable;
// the rest of the audit trail does not depend on it.
func openRedis(ctx context.Context, cfg *config.Config, log *logger.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, audit stream disabled", "addr", cfg.Redis.Addr, "error", err)
		_ = rdb.Close()
		return nil
	}
	log.Info("redis audit stream enabled", "addr", cfg.Redis.Addr, "stream", cfg.Redis.Stream)
	return rdb
}
