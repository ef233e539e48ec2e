package paper

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/crypto-trader/internal/trading"
)

func TestSnapshot_HistoryWindow(t *testing.T) {
	x := New("BTC/USDT", 100, 1000, 0.01, 60, 42)

	snap, err := x.GetSnapshot(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Len(t, snap.Closes, 60)
	assert.True(t, snap.Bid.LessThan(snap.Ask))

	_, err = x.GetSnapshot(context.Background(), "ETH/USDT")
	assert.Error(t, err)
}

func TestSpotRoundTrip(t *testing.T) {
	ctx := context.Background()
	x := New("BTC/USDT", 100, 1000, 0.01, 60, 1)
	x.SetPrice(100)

	buy := trading.Order{ClientID: "c1", Symbol: "BTC/USDT", Action: trading.ActionBuy, Quantity: decimal.NewFromInt(5), Mode: trading.ModeSpot, Leverage: 1}
	res, err := x.PlaceOrder(ctx, buy)
	require.NoError(t, err)
	assert.Equal(t, trading.StatusFilled, res.Status)

	acct, err := x.GetAccountState(ctx)
	require.NoError(t, err)
	assert.True(t, acct.AvailableBalance.Equal(decimal.NewFromInt(500)))
	assert.True(t, acct.CurrentTotalAsset.Equal(decimal.NewFromInt(1000)))
	pos, ok := acct.Position("BTC/USDT", trading.ModeSpot)
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(5)))

	// same client id is idempotent
	again, err := x.PlaceOrder(ctx, buy)
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, again.OrderID)

	x.SetPrice(120)
	sell := trading.Order{ClientID: "c2", Symbol: "BTC/USDT", Action: trading.ActionSell, Quantity: decimal.NewFromInt(5), Mode: trading.ModeSpot}
	res, err = x.PlaceOrder(ctx, sell)
	require.NoError(t, err)
	assert.Equal(t, trading.StatusFilled, res.Status)

	acct, err = x.GetAccountState(ctx)
	require.NoError(t, err)
	assert.True(t, acct.CurrentTotalAsset.Equal(decimal.NewFromInt(1100)), "got %s", acct.CurrentTotalAsset)
	assert.Empty(t, acct.Positions)
}

func TestSwapUsesMargin(t *testing.T) {
	ctx := context.Background()
	x := New("BTC/USDT", 100, 1000, 0.01, 60, 1)
	x.SetPrice(100)

	res, err := x.PlaceOrder(ctx, trading.Order{ClientID: "s1", Action: trading.ActionBuy, Quantity: decimal.NewFromInt(20), Mode: trading.ModeSwap, Leverage: 5})
	require.NoError(t, err)
	require.Equal(t, trading.StatusFilled, res.Status)

	x.SetPrice(90)
	acct, err := x.GetAccountState(ctx)
	require.NoError(t, err)
	// 600 cash + 400 margin - 200 loss
	assert.True(t, acct.CurrentTotalAsset.Equal(decimal.NewFromInt(800)), "got %s", acct.CurrentTotalAsset)
}

func TestLimitOrdersAreFillOrKill(t *testing.T) {
	ctx := context.Background()
	x := New("BTC/USDT", 100, 1000, 0.01, 60, 1)
	x.SetPrice(101)

	buy := trading.Order{ClientID: "l1", Action: trading.ActionBuy, Quantity: decimal.NewFromInt(1), Mode: trading.ModeSpot, LimitPrice: decimal.NewFromFloat(100.5)}
	res, err := x.PlaceOrder(ctx, buy)
	require.NoError(t, err)
	assert.Equal(t, trading.StatusRejected, res.Status)
	assert.Contains(t, res.Error, "beyond limit")

	buy.ClientID = "l2"
	buy.LimitPrice = decimal.NewFromFloat(101.5)
	res, err = x.PlaceOrder(ctx, buy)
	require.NoError(t, err)
	assert.Equal(t, trading.StatusFilled, res.Status)
	assert.True(t, res.FilledPrice.Equal(decimal.NewFromInt(101)))

	x.SetPrice(95)
	sell := trading.Order{ClientID: "l3", Action: trading.ActionSell, Quantity: decimal.NewFromInt(1), Mode: trading.ModeSpot, LimitPrice: decimal.NewFromFloat(99.5)}
	res, err = x.PlaceOrder(ctx, sell)
	require.NoError(t, err)
	assert.Equal(t, trading.StatusRejected, res.Status)

	acct, err := x.GetAccountState(ctx)
	require.NoError(t, err)
	_, ok := acct.Position("BTC/USDT", trading.ModeSpot)
	assert.True(t, ok, "rejected sell leaves the position open")
}

func TestRejections(t *testing.T) {
	ctx := context.Background()
	x := New("BTC/USDT", 100, 100, 0.01, 60, 1)
	x.SetPrice(100)

	res, err := x.PlaceOrder(ctx, trading.Order{ClientID: "r1", Action: trading.ActionBuy, Quantity: decimal.NewFromInt(2), Mode: trading.ModeSpot})
	require.NoError(t, err)
	assert.Equal(t, trading.StatusRejected, res.Status)

	res, err = x.PlaceOrder(ctx, trading.Order{ClientID: "r2", Action: trading.ActionSell, Quantity: decimal.NewFromInt(1), Mode: trading.ModeSpot})
	require.NoError(t, err)
	assert.Equal(t, trading.StatusRejected, res.Status)

	assert.False(t, x.CancelOrder(ctx, "r1"))
}
