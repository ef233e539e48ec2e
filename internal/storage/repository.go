package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camuig/crypto-trader/internal/audit"
	"github.com/camuig/crypto-trader/internal/trading"
)

const (
	keyInitialCapital = "initial_capital"
	keyMode           = "mode"
	keyOpenedAtPrefix = "position_opened_at:"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Record persists an audit event.
func (r *Repository) Record(ctx context.Context, ev audit.Event) error {
	db := r.db.WithContext(ctx)

	switch {
	case ev.Kind == audit.KindDecision && ev.Decision != nil:
		return db.Create(decisionRecord(*ev.Decision)).Error
	case ev.Kind == audit.KindExecution && ev.Execution != nil:
		return db.Create(executionRecord(*ev.Execution, ev.At)).Error
	}

	row := &EventLog{Kind: string(ev.Kind), At: ev.At, Detail: ev.Detail}
	var payload any
	switch {
	case ev.Emergency != nil:
		payload = ev.Emergency
		row.Detail = string(ev.Emergency.State)
	case ev.Mode != nil:
		payload = ev.Mode
		row.Detail = fmt.Sprintf("%s -> %s", ev.Mode.From, ev.Mode.To)
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
		}
		row.Payload = string(b)
	}
	return db.Create(row).Error
}

func decisionRecord(d trading.Decision) *DecisionRecord {
	price, _ := d.Price.Float64()
	rec := &DecisionRecord{
		CreatedAt:     d.CreatedAt,
		DecisionID:    d.ID,
		Cycle:         d.Cycle,
		Symbol:        d.Symbol,
		Mode:          string(d.Mode),
		Price:         price,
		Advice:        string(d.Recommendation.Action),
		FinalAction:   string(d.FinalAction),
		Verdict:       string(d.Verdict.Status),
		Reason:        string(d.Verdict.Reason),
		Confidence:    d.Recommendation.Confidence,
		PositionPct:   d.Recommendation.PositionPct,
		Rationale:     d.Recommendation.Rationale,
		RSI:           d.Recommendation.SourceIndicators.RSI,
		TrendScore:    d.Recommendation.SourceIndicators.TrendScore,
		Drawdown:      d.Risk.Drawdown,
		BuyDisabled:   d.Risk.BuyDisabled,
		StopTriggered: d.Risk.StopTriggered,
	}
	if !d.Risk.CooldownUntil.IsZero() {
		until := d.Risk.CooldownUntil
		rec.CooldownUntil = &until
	}
	return rec
}

func executionRecord(res trading.ExecutionResult, at time.Time) *ExecutionRecord {
	qty, _ := res.FilledQty.Float64()
	price, _ := res.FilledPrice.Float64()
	if !res.At.IsZero() {
		at = res.At
	}
	return &ExecutionRecord{
		CreatedAt:   at,
		OrderID:     res.OrderID,
		ClientID:    res.ClientID,
		DecisionID:  res.DecisionID,
		Symbol:      res.Symbol,
		Mode:        string(res.Mode),
		Action:      string(res.Action),
		Status:      string(res.Status),
		FilledQty:   qty,
		FilledPrice: price,
		Attempts:    res.Attempts,
		Duplicate:   res.Duplicate,
		Emergency:   res.Emergency,
		Error:       res.Error,
	}
}

// Decisions

func (r *Repository) ListDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	var rows []DecisionRecord
	q := r.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// CountDecisionsByReason returns how many decisions each reason produced
// since the given time.
func (r *Repository) CountDecisionsByReason(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Reason string
		N      int64
	}
	err := r.db.WithContext(ctx).Model(&DecisionRecord{}).
		Select("reason, COUNT(*) AS n").
		Where("created_at >= ?", since).
		Group("reason").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Reason] = row.N
	}
	return out, nil
}

// Executions

func (r *Repository) ListExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	var rows []ExecutionRecord
	q := r.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (r *Repository) ListEvents(ctx context.Context, kind audit.Kind, limit int) ([]EventLog, error) {
	var rows []EventLog
	q := r.db.WithContext(ctx).Where("kind = ?", string(kind)).Order("at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// Account Snapshots

func (r *Repository) SaveAccountSnapshot(ctx context.Context, mode trading.Mode, account trading.AccountState, drawdown float64) error {
	positions, err := json.Marshal(account.Positions)
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	total, _ := account.CurrentTotalAsset.Float64()
	available, _ := account.AvailableBalance.Float64()
	initial, _ := account.InitialCapital.Float64()
	return r.db.WithContext(ctx).Create(&AccountSnapshot{
		Mode:           string(mode),
		TotalAsset:     total,
		Available:      available,
		InitialCapital: initial,
		Drawdown:       drawdown,
		PositionsCount: len(account.Positions),
		PositionsJSON:  string(positions),
	}).Error
}

func (r *Repository) GetLatestSnapshot(ctx context.Context) (*AccountSnapshot, error) {
	var snapshot AccountSnapshot
	err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").First(&snapshot).Error
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Session State

func (r *Repository) SaveInitialCapital(ctx context.Context, v decimal.Decimal) error {
	return r.put(ctx, keyInitialCapital, v.String())
}

// LoadInitialCapital reports ok=false when no capital was stored yet.
func (r *Repository) LoadInitialCapital(ctx context.Context) (decimal.Decimal, bool, error) {
	s, ok, err := r.get(ctx, keyInitialCapital)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("stored initial capital %q: %w", s, err)
	}
	return v, true, nil
}

func (r *Repository) SaveMode(ctx context.Context, mode trading.Mode) error {
	return r.put(ctx, keyMode, string(mode))
}

func (r *Repository) LoadMode(ctx context.Context) (trading.Mode, bool, error) {
	s, ok, err := r.get(ctx, keyMode)
	if err != nil || !ok {
		return "", false, err
	}
	m, err := trading.ParseMode(s)
	if err != nil {
		return "", false, fmt.Errorf("stored mode: %w", err)
	}
	return m, true, nil
}

// SavePositionOpenedAt stores when the mode's position was opened. A zero
// time clears it.
func (r *Repository) SavePositionOpenedAt(ctx context.Context, mode trading.Mode, at time.Time) error {
	value := ""
	if !at.IsZero() {
		value = at.UTC().Format(time.RFC3339Nano)
	}
	return r.put(ctx, keyOpenedAtPrefix+string(mode), value)
}

func (r *Repository) LoadPositionOpenedAt(ctx context.Context, mode trading.Mode) (time.Time, bool, error) {
	s, ok, err := r.get(ctx, keyOpenedAtPrefix+string(mode))
	if err != nil || !ok || s == "" {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stored open time for %s: %w", mode, err)
	}
	return at, true, nil
}

func (r *Repository) put(ctx context.Context, name, value string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&SessionState{Name: name, Value: value}).Error
}

func (r *Repository) get(ctx context.Context, name string) (string, bool, error) {
	var row SessionState
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}
