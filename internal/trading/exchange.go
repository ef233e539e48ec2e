package trading

import "context"

// Exchange is the boundary to a trading venue. Implementations may deliver
// the same fill more than once; callers dedupe by order id.
type Exchange interface {
	GetSnapshot(ctx context.Context, symbol string) (Snapshot, error)
	GetAccountState(ctx context.Context) (AccountState, error)
	// PlaceOrder returns an error only for transport or venue failures.
	// A refused order is a Rejected result with a nil error.
	PlaceOrder(ctx context.Context, order Order) (ExecutionResult, error)
	// CancelOrder reports whether the order identified by its client id was withdrawn.
	CancelOrder(ctx context.Context, clientID string) bool
}

// ModeSwitcher is implemented by exchanges that must re-scope their
// connection when the trading mode changes.
type ModeSwitcher interface {
	SwitchMode(ctx context.Context, mode Mode) error
}
