package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/camuig/crypto-trader/internal/trading"
)

// PlaceOrder sends a market order for the active instrument. A Sell closes
// the position, so on a short it buys back. The exchange order id is
// derived from the client id, which makes resubmission idempotent.
func (bc *BrokerClient) PlaceOrder(ctx context.Context, order trading.Order) (trading.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return trading.ExecutionResult{}, err
	}
	mode, inst := bc.active()
	if order.Mode != mode {
		return rejectedResult(fmt.Sprintf("order is for %s, broker is scoped to %s", order.Mode, mode)), nil
	}

	direction := pb.OrderDirection_ORDER_DIRECTION_BUY
	if order.Action == trading.ActionSell {
		direction = pb.OrderDirection_ORDER_DIRECTION_SELL
		account, err := bc.GetAccountState(ctx)
		if err != nil {
			return trading.ExecutionResult{}, err
		}
		if pos, ok := account.Position(order.Symbol, mode); ok && pos.Side == trading.SideShort {
			direction = pb.OrderDirection_ORDER_DIRECTION_BUY
		}
	}

	lots := lotsFor(order.Quantity, inst.lot)
	if lots < 1 {
		return rejectedResult(fmt.Sprintf("quantity %s is below one lot of %d", order.Quantity, inst.lot)), nil
	}

	// A venue limit order can rest unfilled, and nothing here would withdraw
	// it. The bound is checked against the latest price right before a
	// market order instead, which makes the order fill-or-kill.
	if !order.LimitPrice.IsZero() {
		snap, err := bc.GetSnapshot(ctx, order.Symbol)
		if err != nil {
			return trading.ExecutionResult{}, fmt.Errorf("price check: %w", err)
		}
		if !order.WithinLimit(snap.LastPrice) {
			return rejectedResult(fmt.Sprintf("price %s beyond limit %s", snap.LastPrice, order.LimitPrice)), nil
		}
	}

	resp, err := bc.post(inst.uid, lots, direction, orderKey(order.ClientID))
	if err != nil {
		if isRejection(err) {
			bc.Logger.Warn("order rejected", "client_id", order.ClientID, "error", err)
			return rejectedResult(err.Error()), nil
		}
		return trading.ExecutionResult{}, fmt.Errorf("post order: %w", err)
	}

	res := trading.ExecutionResult{
		OrderID: resp.GetOrderId(),
		At:      time.Now(),
	}
	executed := resp.GetLotsExecuted()
	if executed == 0 {
		res.Status = trading.StatusRejected
		res.Error = fmt.Sprintf("order %s accepted but not executed", res.OrderID)
		return res, nil
	}
	res.Status = trading.StatusFilled
	res.FilledQty = decimal.NewFromInt(executed * inst.lot)
	if ep := resp.GetExecutedOrderPrice(); ep != nil {
		res.FilledPrice = decimal.NewFromFloat(ep.ToFloat())
	}
	return res, nil
}

func (bc *BrokerClient) post(uid string, lots int64, direction pb.OrderDirection, orderID string) (*investgo.PostOrderResponse, error) {
	if bc.Config.IsSandbox() {
		sandbox := bc.Client.NewSandboxServiceClient()
		return sandbox.PostSandboxOrder(&investgo.PostOrderRequest{
			InstrumentId: uid,
			Quantity:     lots,
			Direction:    direction,
			AccountId:    bc.AccountID(),
			OrderType:    pb.OrderType_ORDER_TYPE_MARKET,
			OrderId:      orderID,
		})
	}

	req := &investgo.PostOrderRequestShort{
		InstrumentId: uid,
		Quantity:     lots,
		AccountId:    bc.AccountID(),
		OrderType:    pb.OrderType_ORDER_TYPE_MARKET,
		OrderId:      orderID,
	}
	orders := bc.Client.NewOrdersServiceClient()
	if direction == pb.OrderDirection_ORDER_DIRECTION_SELL {
		return orders.Sell(req)
	}
	return orders.Buy(req)
}

// CancelOrder always reports false: market orders fill or fail on submit
// and there is nothing left to withdraw.
func (bc *BrokerClient) CancelOrder(_ context.Context, _ string) bool {
	return false
}

func rejectedResult(reason string) trading.ExecutionResult {
	return trading.ExecutionResult{Status: trading.StatusRejected, Error: reason, At: time.Now()}
}

// isRejection separates venue refusals, which are final, from transport
// failures, which are retried.
func isRejection(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.NotFound, codes.OutOfRange:
		return true
	}
	return false
}

func orderKey(clientID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(clientID)).String()
}

func lotsFor(qty decimal.Decimal, lot int64) int64 {
	if lot < 1 {
		lot = 1
	}
	return qty.Div(decimal.NewFromInt(lot)).Floor().IntPart()
}
