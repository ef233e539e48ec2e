package storage

import "time"

type DecisionRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	DecisionID  string  `gorm:"uniqueIndex;not null" json:"decision_id"`
	Cycle       uint64  `json:"cycle"`
	Symbol      string  `gorm:"index;not null" json:"symbol"`
	Mode        string  `gorm:"not null" json:"mode"`
	Price       float64 `json:"price"`
	Advice      string  `gorm:"not null" json:"advice"`       // advisor action
	FinalAction string  `gorm:"not null" json:"final_action"` // BUY, SELL or HOLD
	Verdict     string  `gorm:"not null" json:"verdict"`
	Reason      string  `gorm:"index;not null" json:"reason"`
	Confidence  int     `json:"confidence"`
	PositionPct float64 `json:"position_pct"`
	Rationale   string  `gorm:"type:text" json:"rationale"`

	RSI        float64 `gorm:"column:rsi" json:"rsi"`
	TrendScore int     `json:"trend_score"`

	Drawdown      float64    `json:"drawdown"`
	BuyDisabled   bool       `json:"buy_disabled"`
	StopTriggered bool       `json:"stop_triggered"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

type ExecutionRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	OrderID     string  `gorm:"index" json:"order_id"`
	ClientID    string  `gorm:"index;not null" json:"client_id"`
	DecisionID  string  `gorm:"index" json:"decision_id"`
	Symbol      string  `gorm:"not null" json:"symbol"`
	Mode        string  `gorm:"not null" json:"mode"`
	Action      string  `gorm:"not null" json:"action"`
	Status      string  `gorm:"not null" json:"status"`
	FilledQty   float64 `json:"filled_qty"`
	FilledPrice float64 `json:"filled_price"`
	Attempts    int     `json:"attempts"`
	Duplicate   bool    `json:"duplicate"`
	Emergency   bool    `json:"emergency"`
	Error       string  `json:"error"`
}

// EventLog keeps the events that have no table of their own: emergency
// transitions, mode switches and skipped cycles.
type EventLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Kind    string    `gorm:"index;not null" json:"kind"`
	At      time.Time `json:"at"`
	Detail  string    `json:"detail"`
	Payload string    `gorm:"type:text" json:"payload"`
}

type AccountSnapshot struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Mode           string  `json:"mode"`
	TotalAsset     float64 `json:"total_asset"`
	Available      float64 `json:"available"`
	InitialCapital float64 `json:"initial_capital"`
	Drawdown       float64 `json:"drawdown"`
	PositionsCount int     `json:"positions_count"`
	PositionsJSON  string  `gorm:"type:text" json:"positions_json"`
}

// SessionState is a small key/value table for values that must survive a
// restart.
type SessionState struct {
	Name      string `gorm:"primarykey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}
