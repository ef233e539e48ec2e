package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/trading"
	"github.com/camuig/crypto-trader/internal/workpool"
)

type GatewayConfig struct {
	Timeout    time.Duration // per attempt
	MaxRetries int           // extra attempts after the first, Unavailable only
	Backoff    time.Duration // linear: attempt*Backoff before each retry
}

// Gateway wraps a Completer with the recommendation contract: bounded
// retries on transport failure, schema validation on the answer. Calls go
// through the shared worker pool when one is given.
type Gateway struct {
	completer Completer
	pool      *workpool.Pool
	cfg       GatewayConfig
	logger    *logger.Logger
	now       func() time.Time
}

func NewGateway(completer Completer, pool *workpool.Pool, cfg GatewayConfig, log *logger.Logger) *Gateway {
	return &Gateway{
		completer: completer,
		pool:      pool,
		cfg:       cfg,
		logger:    log,
		now:       time.Now,
	}
}

// Recommend returns a validated recommendation or an error wrapping
// ErrAdvisorUnavailable or ErrAdvisorMalformedResponse.
func (g *Gateway) Recommend(ctx context.Context, req Request) (trading.Recommendation, error) {
	userPrompt := BuildUserPrompt(req)

	g.logger.Info("sending analysis request to DeepSeek",
		"symbol", req.Symbol,
		"rsi", fmt.Sprintf("%.1f", req.Indicators.RSI),
		"trend", req.Indicators.TrendScore)

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return trading.Recommendation{}, fmt.Errorf("%w: %v", trading.ErrAdvisorUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * g.cfg.Backoff):
			}
		}

		raw, err := g.complete(ctx, userPrompt)
		if err != nil {
			lastErr = err
			g.logger.Warn("advisor call failed", "attempt", attempt+1, "error", err)
			continue
		}

		rec, err := ParseRecommendation(raw, req.Indicators, g.now())
		if err != nil {
			g.logger.Warn("advisor response rejected", "error", err)
			return trading.Recommendation{}, err
		}

		g.logger.Info("received AI recommendation",
			"action", rec.Action,
			"confidence", rec.Confidence,
			"position_pct", rec.PositionPct)
		return rec, nil
	}

	return trading.Recommendation{}, fmt.Errorf("%w after %d attempts: %v",
		trading.ErrAdvisorUnavailable, g.cfg.MaxRetries+1, lastErr)
}

func (g *Gateway) complete(ctx context.Context, userPrompt string) (string, error) {
	var raw string
	call := func(ctx context.Context) error {
		if g.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
		}
		var err error
		raw, err = g.completer.Complete(ctx, systemPrompt, userPrompt)
		return err
	}

	var err error
	if g.pool != nil {
		err = g.pool.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("advisor timed out: %w", err)
		}
		return "", err
	}
	return raw, nil
}
