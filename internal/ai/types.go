package ai

import (
	"github.com/camuig/crypto-trader/internal/trading"
)

// Request is everything the advisor sees for one cycle.
type Request struct {
	Symbol     string
	Mode       trading.Mode
	Leverage   int
	Snapshot   trading.Snapshot
	Indicators trading.IndicatorSet
	Account    trading.AccountState
}

// advice is the raw JSON object the model is asked to return. Pointers
// distinguish a missing field from a zero value.
type advice struct {
	Action     *string  `json:"action"`     // buy, sell, hold
	Position   *float64 `json:"position"`   // suggested % of balance
	Confidence *float64 `json:"confidence"` // 0-100
	Reason     *string  `json:"reason"`
}
