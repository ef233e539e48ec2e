package broker

import (
	"context"
	"fmt"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"github.com/shopspring/decimal"

	"github.com/camuig/crypto-trader/internal/trading"
)

type portfolioResponse interface {
	GetTotalAmountPortfolio() *pb.MoneyValue
	GetTotalAmountCurrencies() *pb.MoneyValue
	GetPositions() []*pb.PortfolioPosition
}

func (bc *BrokerClient) portfolio() (portfolioResponse, error) {
	accountID := bc.AccountID()
	currency := pb.PortfolioRequest_RUB

	if bc.Config.IsSandbox() {
		sandbox := bc.Client.NewSandboxServiceClient()
		r, err := sandbox.GetSandboxPortfolio(accountID, currency)
		if err != nil {
			return nil, fmt.Errorf("get sandbox portfolio: %w", err)
		}
		return r.PortfolioResponse, nil
	}

	ops := bc.Client.NewOperationsServiceClient()
	r, err := ops.GetPortfolio(accountID, currency)
	if err != nil {
		return nil, fmt.Errorf("get portfolio: %w", err)
	}
	return r.PortfolioResponse, nil
}

// GetAccountState reports the portfolio value, free currency and the
// position in the traded instrument.
func (bc *BrokerClient) GetAccountState(ctx context.Context) (trading.AccountState, error) {
	if err := ctx.Err(); err != nil {
		return trading.AccountState{}, err
	}
	resp, err := bc.portfolio()
	if err != nil {
		return trading.AccountState{}, err
	}
	_, inst := bc.active()
	return accountFromPortfolio(resp, bc.symbol, inst.uid), nil
}

func accountFromPortfolio(resp portfolioResponse, symbol, uid string) trading.AccountState {
	state := trading.AccountState{}
	if total := resp.GetTotalAmountPortfolio(); total != nil {
		state.CurrentTotalAsset = decimal.NewFromFloat(total.ToFloat())
	}
	if currencies := resp.GetTotalAmountCurrencies(); currencies != nil {
		state.AvailableBalance = decimal.NewFromFloat(currencies.ToFloat())
	}

	for _, pos := range resp.GetPositions() {
		if pos.GetInstrumentType() == "currency" || pos.GetInstrumentUid() != uid {
			continue
		}
		var qty float64
		if q := pos.GetQuantity(); q != nil {
			qty = q.ToFloat()
		}
		if qty == 0 {
			continue
		}
		p := trading.Position{
			Symbol: symbol,
			Side:   trading.SideLong,
			Size:   decimal.NewFromFloat(qty).Abs(),
			Mode:   positionMode(pos.GetInstrumentType()),
		}
		if qty < 0 {
			p.Side = trading.SideShort
		}
		if ap := pos.GetAveragePositionPrice(); ap != nil {
			p.EntryPrice = decimal.NewFromFloat(ap.ToFloat())
		}
		state.Positions = append(state.Positions, p)
	}
	return state
}
