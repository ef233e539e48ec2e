package broker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/camuig/crypto-trader/internal/trading"
)

func TestPickInstrument(t *testing.T) {
	candidates := []*pb.InstrumentShort{
		{Ticker: "BTCX", Uid: "fut-other", InstrumentType: "futures"},
		{Ticker: "BTC", Uid: "fut-btc", InstrumentType: "futures"},
		{Ticker: "BTC", Uid: "share-btc", InstrumentType: "share"},
		{Ticker: "BTC", Uid: "bond-btc", InstrumentType: "bond"},
	}

	spot, ok := pickInstrument(candidates, "BTC", trading.ModeSpot)
	require.True(t, ok)
	assert.Equal(t, "share-btc", spot.uid)

	swap, ok := pickInstrument(candidates, "BTC", trading.ModeSwap)
	require.True(t, ok)
	assert.Equal(t, "fut-btc", swap.uid)

	fallback, ok := pickInstrument(candidates, "BTCZ4", trading.ModeSwap)
	require.True(t, ok)
	assert.Equal(t, "fut-other", fallback.uid)

	_, ok = pickInstrument(candidates[3:], "BTC", trading.ModeSpot)
	assert.False(t, ok, "bonds are never traded")
}

func TestLotsFor(t *testing.T) {
	assert.Equal(t, int64(3), lotsFor(decimal.RequireFromString("35"), 10))
	assert.Equal(t, int64(0), lotsFor(decimal.RequireFromString("9.99"), 10))
	assert.Equal(t, int64(2), lotsFor(decimal.RequireFromString("2.7"), 0))
}

func TestOrderKeyIsStable(t *testing.T) {
	a := orderKey("emergency-4f1c")
	assert.Equal(t, a, orderKey("emergency-4f1c"))
	assert.NotEqual(t, a, orderKey("emergency-4f1d"))
	assert.Len(t, a, 36)
}

func TestIsRejection(t *testing.T) {
	assert.True(t, isRejection(status.Error(codes.InvalidArgument, "not enough balance")))
	assert.True(t, isRejection(fmt.Errorf("post: %w", status.Error(codes.FailedPrecondition, "market closed"))))
	assert.False(t, isRejection(status.Error(codes.Unavailable, "connection reset")))
	assert.False(t, isRejection(errors.New("plain")))
}

func candle(close float64, at time.Time, complete bool) *pb.HistoricCandle {
	units := int64(close)
	nano := int32((close - float64(units)) * 1e9)
	return &pb.HistoricCandle{
		Close:      &pb.Quotation{Units: units, Nano: nano},
		Time:       timestamppb.New(at),
		IsComplete: complete,
	}
}

func TestSnapshotFromCandles(t *testing.T) {
	now := time.Date(2026, 4, 1, 15, 20, 0, 0, time.UTC)
	var candles []*pb.HistoricCandle
	for i := 0; i < 5; i++ {
		candles = append(candles, candle(100+float64(i), now.Add(time.Duration(i-6)*time.Hour), true))
	}

	snap, err := snapshotFromCandles("BTC", candles, 3, now)
	require.NoError(t, err)
	assert.Equal(t, []float64{102, 103, 104}, snap.Closes)
	assert.Equal(t, "104", snap.LastPrice.String())
	assert.Equal(t, now.Add(-time.Hour), snap.Timestamp, "completed candle is as old as its close")

	candles = append(candles, candle(105.5, now.Truncate(time.Hour), false))
	snap, err = snapshotFromCandles("BTC", candles, 0, now)
	require.NoError(t, err)
	assert.Len(t, snap.Closes, 6)
	assert.Equal(t, now, snap.Timestamp)

	_, err = snapshotFromCandles("BTC", nil, 10, now)
	assert.Error(t, err)
}

type fakePortfolio struct {
	total, cash float64
	positions   []*pb.PortfolioPosition
}

func money(v float64) *pb.MoneyValue {
	units := int64(v)
	return &pb.MoneyValue{Currency: "rub", Units: units, Nano: int32((v - float64(units)) * 1e9)}
}

func (f fakePortfolio) GetTotalAmountPortfolio() *pb.MoneyValue  { return money(f.total) }
func (f fakePortfolio) GetTotalAmountCurrencies() *pb.MoneyValue { return money(f.cash) }
func (f fakePortfolio) GetPositions() []*pb.PortfolioPosition    { return f.positions }

func TestAccountFromPortfolio(t *testing.T) {
	resp := fakePortfolio{
		total: 150000,
		cash:  50000,
		positions: []*pb.PortfolioPosition{
			{InstrumentUid: "rub", InstrumentType: "currency", Quantity: &pb.Quotation{Units: 50000}},
			{InstrumentUid: "other", InstrumentType: "share", Quantity: &pb.Quotation{Units: 10}},
			{InstrumentUid: "fut-btc", InstrumentType: "futures", Quantity: &pb.Quotation{Units: -2},
				AveragePositionPrice: money(50000)},
		},
	}

	state := accountFromPortfolio(resp, "BTC", "fut-btc")

	assert.Equal(t, "150000", state.CurrentTotalAsset.String())
	assert.Equal(t, "50000", state.AvailableBalance.String())
	require.Len(t, state.Positions, 1)
	pos := state.Positions[0]
	assert.Equal(t, trading.SideShort, pos.Side)
	assert.Equal(t, "2", pos.Size.String())
	assert.Equal(t, trading.ModeSwap, pos.Mode)
	assert.Equal(t, "50000", pos.EntryPrice.String())
}
