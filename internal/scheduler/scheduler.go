// Package scheduler drives the engine: every observation updates account
// and risk state, and on each decision tick the latest one runs a cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/camuig/crypto-trader/internal/decision"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/trading"
)

type Engine interface {
	Observe(ctx context.Context, obs trading.Observation) error
	RunCycle(ctx context.Context, obs trading.Observation) (trading.Decision, error)
	Status() decision.Status
}

// SnapshotStore persists the account after each cycle. May be nil.
type SnapshotStore interface {
	SaveAccountSnapshot(ctx context.Context, mode trading.Mode, account trading.AccountState, drawdown float64) error
}

type ErrorNotifier interface {
	NotifyError(context string, err error)
}

type Scheduler struct {
	engine       Engine
	observations <-chan trading.Observation
	store        SnapshotStore
	notifier     ErrorNotifier
	interval     time.Duration
	logger       *logger.Logger

	mu     sync.Mutex
	latest trading.Observation
	have   bool
}

func NewScheduler(
	engine Engine,
	observations <-chan trading.Observation,
	store SnapshotStore,
	notifier ErrorNotifier,
	interval time.Duration,
	log *logger.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = 3 * time.Minute
	}
	return &Scheduler{
		engine:       engine,
		observations: observations,
		store:        store,
		notifier:     notifier,
		interval:     interval,
		logger:       log,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval.String())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case obs, ok := <-s.observations:
			if !ok {
				s.logger.Info("observation feed closed, scheduler stopped")
				return
			}
			s.observe(ctx, obs)
		case <-ticker.C:
			if obs, ok := s.Latest(); ok {
				s.runCycle(ctx, obs)
			} else {
				s.logger.Info("no observation yet, skipping cycle")
			}
		}
	}
}

// Latest returns the most recent observation received.
func (s *Scheduler) Latest() (trading.Observation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.have
}

func (s *Scheduler) observe(ctx context.Context, obs trading.Observation) {
	s.mu.Lock()
	s.latest = obs
	s.have = true
	s.mu.Unlock()

	if err := s.engine.Observe(ctx, obs); err != nil {
		if errors.Is(err, trading.ErrObservationOutdated) {
			s.logger.Debug("observation outdated", "captured_at", obs.CapturedAt)
			return
		}
		s.logger.Warn("observe", "error", err)
	}
}

func (s *Scheduler) runCycle(ctx context.Context, obs trading.Observation) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in decision cycle", "panic", fmt.Sprint(r))
			s.notify("decision cycle panic", fmt.Errorf("%v", r))
		}
	}()

	d, err := s.engine.RunCycle(ctx, obs)
	switch {
	case err == nil:
		s.logger.Info("cycle completed",
			"cycle", d.Cycle,
			"advice", d.Recommendation.Action,
			"confidence", d.Recommendation.Confidence,
			"final", d.FinalAction,
			"reason", d.Verdict.Reason)
	case skipped(err):
		s.logger.Warn("cycle skipped", "error", err)
	default:
		s.logger.Error("cycle failed", "error", err)
		s.notify("decision cycle", err)
	}

	s.saveSnapshot(ctx)
}

func skipped(err error) bool {
	return errors.Is(err, trading.ErrObservationOutdated) ||
		errors.Is(err, trading.ErrSnapshotStale) ||
		errors.Is(err, trading.ErrInsufficientHistory)
}

func (s *Scheduler) saveSnapshot(ctx context.Context) {
	if s.store == nil {
		return
	}
	st := s.engine.Status()
	if st.Account.CurrentTotalAsset.IsZero() && len(st.Account.Positions) == 0 {
		return
	}
	if err := s.store.SaveAccountSnapshot(ctx, st.Mode, st.Account, st.Risk.Drawdown); err != nil {
		s.logger.Error("save account snapshot", "error", err)
	}
}

func (s *Scheduler) notify(context string, err error) {
	if s.notifier != nil {
		s.notifier.NotifyError(context, err)
	}
}
