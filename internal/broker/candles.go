package broker

import (
	"context"
	"fmt"
	"time"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"github.com/shopspring/decimal"

	"github.com/camuig/crypto-trader/internal/trading"
)

const (
	candleInterval = pb.CandleInterval_CANDLE_INTERVAL_HOUR
	candleStep     = time.Hour
	// one request covers at most a week of hourly candles
	candleLookback = 7 * 24 * time.Hour
)

// GetSnapshot builds the snapshot from hourly candles. The SDK calls carry
// the client's own context; ctx is checked before the call.
func (bc *BrokerClient) GetSnapshot(ctx context.Context, symbol string) (trading.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return trading.Snapshot{}, err
	}
	_, inst := bc.active()

	now := time.Now()
	md := bc.Client.NewMarketDataServiceClient()
	resp, err := md.GetCandles(
		inst.uid,
		candleInterval,
		now.Add(-candleLookback), now,
		pb.GetCandlesRequest_CANDLE_SOURCE_EXCHANGE,
		0,
	)
	if err != nil {
		return trading.Snapshot{}, fmt.Errorf("get candles %s: %w", inst.ticker, err)
	}

	snap, err := snapshotFromCandles(symbol, resp.GetCandles(), bc.Config.Trading.HistoryWindow, now)
	if err != nil {
		return trading.Snapshot{}, fmt.Errorf("%s: %w", inst.ticker, err)
	}
	return snap, nil
}

// snapshotFromCandles keeps the last window closes. A still-forming candle
// is as fresh as the fetch; a completed one is as old as its close.
func snapshotFromCandles(symbol string, candles []*pb.HistoricCandle, window int, now time.Time) (trading.Snapshot, error) {
	if len(candles) == 0 {
		return trading.Snapshot{}, fmt.Errorf("no candles")
	}
	if window > 0 && len(candles) > window {
		candles = candles[len(candles)-window:]
	}

	closes := make([]float64, 0, len(candles))
	for _, c := range candles {
		closes = append(closes, c.GetClose().ToFloat())
	}

	last := candles[len(candles)-1]
	ts := now
	if last.GetIsComplete() {
		ts = last.GetTime().AsTime().Add(candleStep)
	}
	price := decimal.NewFromFloat(closes[len(closes)-1])

	return trading.Snapshot{
		Symbol:    symbol,
		Timestamp: ts,
		LastPrice: price,
		Bid:       price,
		Ask:       price,
		Closes:    closes,
	}, nil
}

// FilterTradable checks which instrument UIDs are available for API trading.
func (bc *BrokerClient) FilterTradable(uids []string) (map[string]bool, error) {
	if len(uids) == 0 {
		return map[string]bool{}, nil
	}

	md := bc.Client.NewMarketDataServiceClient()
	resp, err := md.GetTradingStatuses(uids)
	if err != nil {
		return nil, err
	}

	result := make(map[string]bool, len(uids))
	for _, s := range resp.GetTradingStatuses() {
		result[s.GetInstrumentUid()] = s.GetApiTradeAvailableFlag() && s.GetMarketOrderAvailableFlag()
	}
	return result, nil
}
