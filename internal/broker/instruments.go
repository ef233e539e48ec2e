package broker

import (
	"fmt"
	"sync"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"github.com/camuig/crypto-trader/internal/trading"
)

type instrument struct {
	uid    string
	ticker string
	kind   string
	lot    int64
}

var lotCache sync.Map // instrumentUID -> lot size

// resolve finds the instrument for ticker whose type matches mode.
func (bc *BrokerClient) resolve(ticker string, mode trading.Mode) (instrument, error) {
	instruments := bc.Client.NewInstrumentsServiceClient()
	resp, err := instruments.FindInstrument(ticker)
	if err != nil {
		return instrument{}, fmt.Errorf("find instrument %s: %w", ticker, err)
	}

	found, ok := pickInstrument(resp.GetInstruments(), ticker, mode)
	if !ok {
		return instrument{}, fmt.Errorf("no %s instrument found for %s", modeKind(mode), ticker)
	}

	lot, err := bc.lotSize(found.uid)
	if err != nil {
		return instrument{}, err
	}
	found.lot = lot
	return found, nil
}

func (bc *BrokerClient) lotSize(uid string) (int64, error) {
	if cached, ok := lotCache.Load(uid); ok {
		return cached.(int64), nil
	}

	instruments := bc.Client.NewInstrumentsServiceClient()
	resp, err := instruments.InstrumentByUid(uid)
	if err != nil {
		return 0, fmt.Errorf("instrument by uid %s: %w", uid, err)
	}

	lot := int64(resp.GetInstrument().GetLot())
	if lot < 1 {
		lot = 1
	}
	lotCache.Store(uid, lot)
	return lot, nil
}

// pickInstrument prefers an exact ticker match of the mode's kind, then any
// instrument of that kind.
func pickInstrument(candidates []*pb.InstrumentShort, ticker string, mode trading.Mode) (instrument, bool) {
	var fallback *pb.InstrumentShort
	for _, inst := range candidates {
		if !kindMatches(inst.GetInstrumentType(), mode) {
			continue
		}
		if inst.GetTicker() == ticker {
			return toInstrument(inst), true
		}
		if fallback == nil {
			fallback = inst
		}
	}
	if fallback == nil {
		return instrument{}, false
	}
	return toInstrument(fallback), true
}

func toInstrument(inst *pb.InstrumentShort) instrument {
	return instrument{uid: inst.GetUid(), ticker: inst.GetTicker(), kind: inst.GetInstrumentType()}
}

func modeKind(mode trading.Mode) string {
	if mode == trading.ModeSwap {
		return "futures"
	}
	return "spot"
}

func kindMatches(instrumentType string, mode trading.Mode) bool {
	switch instrumentType {
	case "futures":
		return mode == trading.ModeSwap
	case "share", "currency", "etf":
		return mode == trading.ModeSpot
	}
	return false
}

// positionMode maps a portfolio position's instrument type to a trading mode.
func positionMode(instrumentType string) trading.Mode {
	if instrumentType == "futures" {
		return trading.ModeSwap
	}
	return trading.ModeSpot
}
