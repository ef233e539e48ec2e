// Package audit carries the append-only event trail: every decision,
// execution result, emergency transition and mode switch.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/trading"
)

type Kind string

const (
	KindDecision     Kind = "decision"
	KindExecution    Kind = "execution"
	KindEmergency    Kind = "emergency"
	KindModeSwitch   Kind = "mode_switch"
	KindCycleSkipped Kind = "cycle_skipped"
)

// Event is one audit record. Exactly one of the payload pointers is set,
// except for cycle_skipped which carries only Detail.
type Event struct {
	Kind      Kind                     `json:"kind"`
	At        time.Time                `json:"at"`
	Decision  *trading.Decision        `json:"decision,omitempty"`
	Execution *trading.ExecutionResult `json:"execution,omitempty"`
	Emergency *EmergencyEvent          `json:"emergency,omitempty"`
	Mode      *ModeEvent               `json:"mode,omitempty"`
	Detail    string                   `json:"detail,omitempty"`
}

type EmergencyState string

const (
	EmergencyRequested EmergencyState = "requested"
	EmergencyConfirmed EmergencyState = "confirmed"
	EmergencyCancelled EmergencyState = "cancelled"
	EmergencyExpired   EmergencyState = "expired"
)

type EmergencyEvent struct {
	Request trading.EmergencyRequest `json:"request"`
	State   EmergencyState           `json:"state"`
}

type ModeEvent struct {
	From trading.Mode `json:"from"`
	To   trading.Mode `json:"to"`
}

func DecisionEvent(d trading.Decision) Event {
	return Event{Kind: KindDecision, At: d.CreatedAt, Decision: &d}
}

func ExecutionEvent(r trading.ExecutionResult) Event {
	return Event{Kind: KindExecution, At: r.At, Execution: &r}
}

func Emergency(req trading.EmergencyRequest, state EmergencyState, at time.Time) Event {
	return Event{Kind: KindEmergency, At: at, Emergency: &EmergencyEvent{Request: req, State: state}}
}

func ModeSwitch(from, to trading.Mode, at time.Time) Event {
	return Event{Kind: KindModeSwitch, At: at, Mode: &ModeEvent{From: from, To: to}}
}

func CycleSkipped(reason string, at time.Time) Event {
	return Event{Kind: KindCycleSkipped, At: at, Detail: reason}
}

// Sink receives audit events. Record must not retain the event's pointers
// past the call.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Record(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fanout delivers every event to all sinks in order. A failing sink is
// logged and does not stop delivery to the rest.
type Fanout struct {
	mu     sync.RWMutex
	sinks  []namedSink
	logger *logger.Logger
}

type namedSink struct {
	name string
	sink Sink
}

func NewFanout(log *logger.Logger) *Fanout {
	return &Fanout{logger: log}
}

func (f *Fanout) Add(name string, s Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
	f.mu.Unlock()
}

func (f *Fanout) Record(ctx context.Context, ev Event) error {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.sink.Record(ctx, ev); err != nil {
			f.logger.Error("audit sink failed", "sink", s.name, "kind", ev.Kind, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes a one-line summary of each event.
type LogSink struct {
	logger *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log}
}

func (l *LogSink) Record(_ context.Context, ev Event) error {
	switch ev.Kind {
	case KindDecision:
		d := ev.Decision
		l.logger.Info("decision",
			"cycle", d.Cycle,
			"symbol", d.Symbol,
			"advised", d.Recommendation.Action,
			"final", d.FinalAction,
			"verdict", d.Verdict.Status,
			"reason", d.Verdict.Reason,
			"mode", d.Mode)
	case KindExecution:
		r := ev.Execution
		l.logger.Info("execution",
			"order_id", r.OrderID,
			"action", r.Action,
			"status", r.Status,
			"qty", r.FilledQty.String(),
			"price", r.FilledPrice.String(),
			"attempts", r.Attempts,
			"emergency", r.Emergency,
			"duplicate", r.Duplicate)
	case KindEmergency:
		l.logger.Warn("emergency", "id", ev.Emergency.Request.ID, "state", ev.Emergency.State)
	case KindModeSwitch:
		l.logger.Info("mode switched", "from", ev.Mode.From, "to", ev.Mode.To)
	case KindCycleSkipped:
		l.logger.Warn("cycle skipped", "reason", ev.Detail)
	}
	return nil
}
