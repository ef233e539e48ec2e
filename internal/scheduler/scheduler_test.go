package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/crypto-trader/internal/decision"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/trading"
)

type fakeEngine struct {
	mu       sync.Mutex
	observed []trading.Observation
	cycles   []trading.Observation
	cycleErr error
	panics   bool
	asset    decimal.Decimal
}

func (f *fakeEngine) Observe(_ context.Context, obs trading.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, obs)
	return nil
}

func (f *fakeEngine) RunCycle(_ context.Context, obs trading.Observation) (trading.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	f.cycles = append(f.cycles, obs)
	return trading.Decision{Cycle: uint64(len(f.cycles)), FinalAction: trading.ActionHold}, f.cycleErr
}

func (f *fakeEngine) Status() decision.Status {
	return decision.Status{
		Mode:    trading.ModeSpot,
		Account: trading.AccountState{CurrentTotalAsset: f.asset},
		Risk:    trading.RiskSummary{Drawdown: 0.02},
	}
}

func (f *fakeEngine) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observed), len(f.cycles)
}

type snapshots struct {
	mu    sync.Mutex
	saved []float64
}

func (s *snapshots) SaveAccountSnapshot(_ context.Context, _ trading.Mode, _ trading.AccountState, dd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, dd)
	return nil
}

func (s *snapshots) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type errorsSeen struct {
	mu   sync.Mutex
	errs []string
}

func (e *errorsSeen) NotifyError(context string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, fmt.Sprintf("%s: %v", context, err))
}

func obsAt(sec int64) trading.Observation {
	return trading.Observation{CapturedAt: time.Unix(sec, 0)}
}

func TestRun_ObservesAndCyclesOnLatest(t *testing.T) {
	eng := &fakeEngine{asset: decimal.NewFromInt(10000)}
	store := &snapshots{}
	feed := make(chan trading.Observation, 3)
	feed <- obsAt(1)
	feed <- obsAt(2)
	feed <- obsAt(3)

	s := NewScheduler(eng, feed, store, nil, 30*time.Millisecond, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, cycles := eng.counts()
		return cycles >= 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	observed, _ := eng.counts()
	assert.Equal(t, 3, observed)
	eng.mu.Lock()
	assert.Equal(t, time.Unix(3, 0), eng.cycles[0].CapturedAt)
	eng.mu.Unlock()
	assert.GreaterOrEqual(t, store.count(), 1)
}

func TestRun_NoObservationNoCycle(t *testing.T) {
	eng := &fakeEngine{}
	s := NewScheduler(eng, make(chan trading.Observation), nil, nil, 5*time.Millisecond, logger.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	_, cycles := eng.counts()
	assert.Zero(t, cycles)
	_, ok := s.Latest()
	assert.False(t, ok)
}

func TestRun_StopsWhenFeedCloses(t *testing.T) {
	feed := make(chan trading.Observation)
	close(feed)
	s := NewScheduler(&fakeEngine{}, feed, nil, nil, time.Hour, logger.Discard())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunCycle_RecoversPanic(t *testing.T) {
	notes := &errorsSeen{}
	s := NewScheduler(&fakeEngine{panics: true}, nil, nil, notes, time.Hour, logger.Discard())

	assert.NotPanics(t, func() { s.runCycle(context.Background(), obsAt(1)) })
	require.Len(t, notes.errs, 1)
	assert.Contains(t, notes.errs[0], "boom")
}

func TestRunCycle_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		notify bool
	}{
		{"ok", nil, false},
		{"stale", fmt.Errorf("%w: age 40s", trading.ErrSnapshotStale), false},
		{"outdated", trading.ErrObservationOutdated, false},
		{"history", trading.ErrInsufficientHistory, false},
		{"execution", fmt.Errorf("execute decision d1: %w", trading.ErrExecutionFailed), true},
		{"other", errors.New("plan order: no price"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notes := &errorsSeen{}
			store := &snapshots{}
			eng := &fakeEngine{cycleErr: tt.err, asset: decimal.NewFromInt(5000)}
			s := NewScheduler(eng, nil, store, notes, time.Hour, logger.Discard())

			s.runCycle(context.Background(), obsAt(1))

			assert.Equal(t, tt.notify, len(notes.errs) == 1)
			assert.Equal(t, 1, store.count(), "account snapshot saved after every cycle")
		})
	}
}

func TestRunCycle_SkipsEmptyAccountSnapshot(t *testing.T) {
	store := &snapshots{}
	s := NewScheduler(&fakeEngine{}, nil, store, nil, time.Hour, logger.Discard())

	s.runCycle(context.Background(), obsAt(1))

	assert.Zero(t, store.count())
}
