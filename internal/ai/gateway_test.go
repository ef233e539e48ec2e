package ai

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/trading"
	"github.com/camuig/crypto-trader/internal/workpool"
)

type fakeCompleter struct {
	mu      sync.Mutex
	calls   int
	replies []func(ctx context.Context) (string, error)
	prompts []string
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, user)
	f.mu.Unlock()

	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return f.replies[i](ctx)
}

func reply(s string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return s, nil }
}

func fail(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

func hang(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func testRequest() Request {
	return Request{
		Symbol:   "BTC/USDT",
		Mode:     trading.ModeSpot,
		Leverage: 1,
		Snapshot: trading.Snapshot{Symbol: "BTC/USDT", LastPrice: decimal.NewFromInt(65000)},
		Indicators: trading.IndicatorSet{
			RSI: 55.5, TrendScore: 60,
		},
		Account: trading.AccountState{
			InitialCapital:    decimal.NewFromInt(10000),
			CurrentTotalAsset: decimal.NewFromInt(10000),
			AvailableBalance:  decimal.NewFromInt(10000),
		},
	}
}

func newTestGateway(c Completer, cfg GatewayConfig) *Gateway {
	return NewGateway(c, nil, cfg, logger.Discard())
}

func TestGateway_Success(t *testing.T) {
	fc := &fakeCompleter{replies: []func(context.Context) (string, error){
		reply(`{"action":"buy","position":30,"confidence":75,"reason":"breakout"}`),
	}}
	gw := newTestGateway(fc, GatewayConfig{Timeout: time.Second})

	rec, err := gw.Recommend(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, trading.ActionBuy, rec.Action)
	assert.Equal(t, 75, rec.Confidence)
	assert.Equal(t, "breakout", rec.Rationale)
	assert.Equal(t, 1, fc.calls)
	assert.Contains(t, fc.prompts[0], "BTC/USDT")
	assert.Contains(t, fc.prompts[0], "No open position")
}

func TestGateway_TimeoutIsUnavailable(t *testing.T) {
	fc := &fakeCompleter{replies: []func(context.Context) (string, error){hang}}
	gw := newTestGateway(fc, GatewayConfig{Timeout: 20 * time.Millisecond, MaxRetries: 1, Backoff: time.Millisecond})

	_, err := gw.Recommend(context.Background(), testRequest())
	assert.ErrorIs(t, err, trading.ErrAdvisorUnavailable)
	assert.Equal(t, 2, fc.calls, "one retry after the first attempt")
}

func TestGateway_RetriesThenSucceeds(t *testing.T) {
	fc := &fakeCompleter{replies: []func(context.Context) (string, error){
		fail(errors.New("connection reset")),
		reply(`{"action":"hold","confidence":50,"reason":"wait"}`),
	}}
	gw := newTestGateway(fc, GatewayConfig{Timeout: time.Second, MaxRetries: 2, Backoff: time.Millisecond})

	rec, err := gw.Recommend(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, trading.ActionHold, rec.Action)
	assert.Equal(t, 2, fc.calls)
}

func TestGateway_RetryBoundIsRespected(t *testing.T) {
	fc := &fakeCompleter{replies: []func(context.Context) (string, error){
		fail(errors.New("503")),
	}}
	gw := newTestGateway(fc, GatewayConfig{Timeout: time.Second, MaxRetries: 3, Backoff: time.Millisecond})

	_, err := gw.Recommend(context.Background(), testRequest())
	assert.ErrorIs(t, err, trading.ErrAdvisorUnavailable)
	assert.Equal(t, 4, fc.calls)
}

func TestGateway_MalformedIsNotRetried(t *testing.T) {
	fc := &fakeCompleter{replies: []func(context.Context) (string, error){
		reply("I would probably buy"),
	}}
	gw := newTestGateway(fc, GatewayConfig{Timeout: time.Second, MaxRetries: 3, Backoff: time.Millisecond})

	_, err := gw.Recommend(context.Background(), testRequest())
	assert.ErrorIs(t, err, trading.ErrAdvisorMalformedResponse)
	assert.Equal(t, 1, fc.calls)
}

func TestGateway_ContextCancelledDuringBackoff(t *testing.T) {
	fc := &fakeCompleter{replies: []func(context.Context) (string, error){
		fail(errors.New("down")),
	}}
	gw := newTestGateway(fc, GatewayConfig{Timeout: time.Second, MaxRetries: 5, Backoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gw.Recommend(ctx, testRequest())
	assert.ErrorIs(t, err, trading.ErrAdvisorUnavailable)
	assert.Equal(t, 1, fc.calls)
}

func TestGateway_PoolBoundsConcurrentCalls(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(context.Context) (string, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return `{"action":"hold","confidence":50,"reason":"wait"}`, nil
	}
	fc := &fakeCompleter{replies: []func(context.Context) (string, error){slow}}
	gw := NewGateway(fc, workpool.New(1), GatewayConfig{Timeout: time.Second}, logger.Discard())

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = gw.Recommend(context.Background(), testRequest())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 4, fc.calls)
	assert.Equal(t, int32(1), peak.Load())
}

func TestGateway_WaitingForPoolSlotRespectsContext(t *testing.T) {
	pool := workpool.New(1)
	release := make(chan struct{})
	busy := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), func(context.Context) error {
			close(busy)
			<-release
			return nil
		})
	}()
	<-busy
	defer close(release)

	fc := &fakeCompleter{replies: []func(context.Context) (string, error){
		reply(`{"action":"hold","confidence":50,"reason":"wait"}`),
	}}
	gw := NewGateway(fc, pool, GatewayConfig{Timeout: time.Second}, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := gw.Recommend(ctx, testRequest())
	assert.ErrorIs(t, err, trading.ErrAdvisorUnavailable)
	assert.Equal(t, 0, fc.calls)
}

func TestBuildUserPrompt_Swap(t *testing.T) {
	req := testRequest()
	req.Mode = trading.ModeSwap
	req.Leverage = 5
	req.Account.Positions = []trading.Position{{
		Symbol: "BTC/USDT", Side: trading.SideLong, Size: decimal.NewFromFloat(0.5),
		EntryPrice: decimal.NewFromInt(60000), Mode: trading.ModeSwap,
	}}

	p := BuildUserPrompt(req)
	assert.Contains(t, p, "leverage 5x")
	assert.Contains(t, p, "Open long position: 0.5 @ 60000.00")
	assert.Contains(t, p, "RSI(14): 55.5")
}
