package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/camuig/crypto-trader/internal/trading"
)

type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Tinkoff   TinkoffConfig   `yaml:"tinkoff"`
	Paper     PaperConfig     `yaml:"paper"`
	DeepSeek  DeepSeekConfig  `yaml:"deepseek"`
	Trading   TradingConfig   `yaml:"trading"`
	Risk      RiskConfig      `yaml:"risk"`
	Exit      ExitConfig      `yaml:"exit"`
	Execution ExecutionConfig `yaml:"execution"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Redis     RedisConfig     `yaml:"redis"`
	Web       WebConfig       `yaml:"web"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ExchangeConfig struct {
	Kind string `yaml:"kind"` // tinkoff or paper
}

type TinkoffConfig struct {
	Token     string `yaml:"token"`
	Sandbox   bool   `yaml:"sandbox"`
	AccountID string `yaml:"account_id"`

	// FuturesTicker is traded in swap mode; defaults to trading.symbol.
	FuturesTicker string `yaml:"futures_ticker"`
}

// PaperConfig drives the in-memory simulated exchange.
type PaperConfig struct {
	StartPrice float64 `yaml:"start_price"`
	StartCash  float64 `yaml:"start_cash"`
	Volatility float64 `yaml:"volatility"` // stddev of one price step, as a fraction
	Seed       int64   `yaml:"seed"`
}

type DeepSeekConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryBackoff   string `yaml:"retry_backoff"`
}

type TradingConfig struct {
	Symbol             string  `yaml:"symbol"`
	Mode               string  `yaml:"mode"`
	Leverage           int     `yaml:"leverage"`
	PollInterval       string  `yaml:"poll_interval"`
	DecisionInterval   string  `yaml:"decision_interval"`
	StaleAfter         string  `yaml:"stale_after"`
	HistoryWindow      int     `yaml:"history_window"`
	MinConfidence      int     `yaml:"min_confidence"`
	MinTradeValue      float64 `yaml:"min_trade_value"`
	PositionMinRatio   float64 `yaml:"position_min_ratio"`
	PositionMaxRatio   float64 `yaml:"position_max_ratio"`
	AlertAfterFailures int     `yaml:"alert_after_failures"`
}

type RiskConfig struct {
	InitialCapital        float64 `yaml:"initial_capital"`
	CaptureInitialCapital bool    `yaml:"capture_initial_capital"`
	MaxDrawdownThreshold  float64 `yaml:"max_drawdown_threshold"`
	CooldownDuration      string  `yaml:"cooldown_duration"`
	TrailingStopFactor    float64 `yaml:"trailing_stop_factor"`
	EmergencyConfirmDelay string  `yaml:"emergency_confirm_delay"`
}

type ExitConfig struct {
	Enabled            bool   `yaml:"enabled"`
	MaxHolding         string `yaml:"max_holding"`
	TrendCollapseScore int    `yaml:"trend_collapse_score"`
}

type ExecutionConfig struct {
	MaxRetries   int    `yaml:"max_retries"`
	RetryBackoff string `yaml:"retry_backoff"`
	Workers      int    `yaml:"workers"`

	// SlippageTolerance turns normal orders into limit orders priced this
	// fraction away from the snapshot price. 0 sends market orders.
	SlippageTolerance float64 `yaml:"slippage_tolerance"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Exchange.Kind == "" {
		cfg.Exchange.Kind = "tinkoff"
	}
	if cfg.Paper.StartPrice == 0 {
		cfg.Paper.StartPrice = 65000
	}
	if cfg.Paper.StartCash == 0 {
		cfg.Paper.StartCash = 10000
	}
	if cfg.Paper.Volatility == 0 {
		cfg.Paper.Volatility = 0.002
	}
	if cfg.DeepSeek.BaseURL == "" {
		cfg.DeepSeek.BaseURL = "https://api.deepseek.com/v1"
	}
	if cfg.DeepSeek.Model == "" {
		cfg.DeepSeek.Model = "deepseek-chat"
	}
	if cfg.DeepSeek.TimeoutSeconds == 0 {
		cfg.DeepSeek.TimeoutSeconds = 60
	}
	if cfg.DeepSeek.MaxRetries == 0 {
		cfg.DeepSeek.MaxRetries = 2
	}
	if cfg.DeepSeek.RetryBackoff == "" {
		cfg.DeepSeek.RetryBackoff = "2s"
	}
	if cfg.Trading.Symbol == "" {
		cfg.Trading.Symbol = "BTC/USDT"
	}
	if cfg.Trading.Mode == "" {
		cfg.Trading.Mode = string(trading.ModeSpot)
	}
	if cfg.Trading.Leverage == 0 {
		cfg.Trading.Leverage = 1
	}
	if cfg.Trading.PollInterval == "" {
		cfg.Trading.PollInterval = "2s"
	}
	if cfg.Trading.DecisionInterval == "" {
		cfg.Trading.DecisionInterval = "3m"
	}
	if cfg.Trading.StaleAfter == "" {
		cfg.Trading.StaleAfter = "30s"
	}
	if cfg.Trading.HistoryWindow == 0 {
		cfg.Trading.HistoryWindow = 200
	}
	if cfg.Trading.MinTradeValue == 0 {
		cfg.Trading.MinTradeValue = 10
	}
	if cfg.Trading.PositionMinRatio == 0 {
		cfg.Trading.PositionMinRatio = 0.2
	}
	if cfg.Trading.PositionMaxRatio == 0 {
		cfg.Trading.PositionMaxRatio = 0.95
	}
	if cfg.Trading.AlertAfterFailures == 0 {
		cfg.Trading.AlertAfterFailures = 5
	}
	if cfg.Risk.MaxDrawdownThreshold == 0 {
		cfg.Risk.MaxDrawdownThreshold = 0.15
	}
	if cfg.Risk.CooldownDuration == "" {
		cfg.Risk.CooldownDuration = "30m"
	}
	if cfg.Risk.TrailingStopFactor == 0 {
		cfg.Risk.TrailingStopFactor = 0.05
	}
	if cfg.Risk.EmergencyConfirmDelay == "" {
		cfg.Risk.EmergencyConfirmDelay = "3s"
	}
	if cfg.Exit.MaxHolding == "" {
		cfg.Exit.MaxHolding = "12h"
	}
	if cfg.Exit.TrendCollapseScore == 0 {
		cfg.Exit.TrendCollapseScore = 25
	}
	if cfg.Execution.MaxRetries == 0 {
		cfg.Execution.MaxRetries = 3
	}
	if cfg.Execution.RetryBackoff == "" {
		cfg.Execution.RetryBackoff = "500ms"
	}
	if cfg.Execution.Workers == 0 {
		cfg.Execution.Workers = 4
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "trader:audit"
	}
	if cfg.Redis.MaxLen == 0 {
		cfg.Redis.MaxLen = 100000
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnv loads .env when present and lets environment variables override
// secrets from the file.
func applyEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	overrides := map[string]*string{
		"TINKOFF_TOKEN":      &cfg.Tinkoff.Token,
		"DEEPSEEK_API_KEY":   &cfg.DeepSeek.APIKey,
		"TELEGRAM_BOT_TOKEN": &cfg.Telegram.BotToken,
		"REDIS_PASSWORD":     &cfg.Redis.Password,
	}
	for key, dst := range overrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	return nil
}

// Validate rejects configs the process cannot start with. Risk parameters
// are not checked here: a bad risk setup halts trading, not the process.
func (c *Config) Validate() error {
	switch c.Exchange.Kind {
	case "tinkoff":
		if c.Tinkoff.Token == "" {
			return fmt.Errorf("tinkoff.token is required")
		}
	case "paper":
	default:
		return fmt.Errorf("unknown exchange.kind %q", c.Exchange.Kind)
	}
	if c.DeepSeek.APIKey == "" {
		return fmt.Errorf("deepseek.api_key is required")
	}
	if _, err := trading.ParseMode(c.Trading.Mode); err != nil {
		return fmt.Errorf("trading.mode: %w", err)
	}
	if c.Trading.Leverage < 1 {
		return fmt.Errorf("trading.leverage must be >= 1")
	}
	if c.Trading.PositionMinRatio > c.Trading.PositionMaxRatio {
		return fmt.Errorf("trading.position_min_ratio exceeds position_max_ratio")
	}
	if c.Execution.SlippageTolerance < 0 || c.Execution.SlippageTolerance >= 1 {
		return fmt.Errorf("execution.slippage_tolerance must be in [0, 1)")
	}

	durations := map[string]string{
		"deepseek.retry_backoff":       c.DeepSeek.RetryBackoff,
		"trading.poll_interval":        c.Trading.PollInterval,
		"trading.decision_interval":    c.Trading.DecisionInterval,
		"trading.stale_after":          c.Trading.StaleAfter,
		"risk.cooldown_duration":       c.Risk.CooldownDuration,
		"risk.emergency_confirm_delay": c.Risk.EmergencyConfirmDelay,
		"exit.max_holding":             c.Exit.MaxHolding,
		"execution.retry_backoff":      c.Execution.RetryBackoff,
	}
	for name, v := range durations {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

func (c *Config) IsSandbox() bool {
	return c.Tinkoff.Sandbox
}

func (c *Config) TradingMode() trading.Mode {
	m, _ := trading.ParseMode(c.Trading.Mode)
	return m
}

func (c *Config) PollInterval() time.Duration     { return mustDuration(c.Trading.PollInterval) }
func (c *Config) DecisionInterval() time.Duration { return mustDuration(c.Trading.DecisionInterval) }
func (c *Config) StaleAfter() time.Duration       { return mustDuration(c.Trading.StaleAfter) }
func (c *Config) CooldownDuration() time.Duration { return mustDuration(c.Risk.CooldownDuration) }
func (c *Config) MaxHolding() time.Duration       { return mustDuration(c.Exit.MaxHolding) }

func (c *Config) EmergencyConfirmDelay() time.Duration {
	return mustDuration(c.Risk.EmergencyConfirmDelay)
}

func (c *Config) ExecutionBackoff() time.Duration {
	return mustDuration(c.Execution.RetryBackoff)
}

func (c *Config) AdvisorBackoff() time.Duration {
	return mustDuration(c.DeepSeek.RetryBackoff)
}

func (c *Config) DeepSeekTimeout() time.Duration {
	return time.Duration(c.DeepSeek.TimeoutSeconds) * time.Second
}

// mustDuration is only used on values Validate already parsed.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
