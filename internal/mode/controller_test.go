package mode

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/crypto-trader/internal/audit"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/trading"
)

type fakeGate struct {
	mu        sync.Mutex
	executing bool
	emergency bool
	mode      trading.Mode
	applied   []trading.Mode
}

func (g *fakeGate) Executing() bool        { return g.executing }
func (g *fakeGate) EmergencyPending() bool { return g.emergency }
func (g *fakeGate) Mode() trading.Mode     { return g.mode }

func (g *fakeGate) BetweenCycles(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn()
}

func (g *fakeGate) ApplyMode(m trading.Mode) {
	g.mode = m
	g.applied = append(g.applied, m)
}

type fakeSwitcher struct {
	err   error
	calls []trading.Mode
}

func (s *fakeSwitcher) SwitchMode(_ context.Context, m trading.Mode) error {
	s.calls = append(s.calls, m)
	return s.err
}

type modeStore struct{ saved []trading.Mode }

func (s *modeStore) SaveMode(_ context.Context, m trading.Mode) error {
	s.saved = append(s.saved, m)
	return nil
}

type events struct{ got []audit.Event }

func (e *events) Record(_ context.Context, ev audit.Event) error {
	e.got = append(e.got, ev)
	return nil
}

func setup() (*Controller, *fakeGate, *fakeSwitcher, *modeStore, *events) {
	g := &fakeGate{mode: trading.ModeSpot}
	sw := &fakeSwitcher{}
	st := &modeStore{}
	ev := &events{}
	return NewController(g, sw, st, ev, logger.Discard()), g, sw, st, ev
}

func TestSwitch_Succeeds(t *testing.T) {
	c, g, sw, st, ev := setup()

	require.NoError(t, c.Switch(context.Background(), trading.ModeSwap))

	assert.Equal(t, trading.ModeSwap, c.Current())
	assert.Equal(t, []trading.Mode{trading.ModeSwap}, g.applied)
	assert.Equal(t, []trading.Mode{trading.ModeSwap}, sw.calls)
	assert.Equal(t, []trading.Mode{trading.ModeSwap}, st.saved)
	require.Len(t, ev.got, 1)
	assert.Equal(t, audit.KindModeSwitch, ev.got[0].Kind)
	assert.Equal(t, &audit.ModeEvent{From: trading.ModeSpot, To: trading.ModeSwap}, ev.got[0].Mode)
}

func TestSwitch_BlockedWhileExecuting(t *testing.T) {
	c, g, sw, _, ev := setup()
	g.executing = true

	err := c.Switch(context.Background(), trading.ModeSwap)

	assert.ErrorIs(t, err, trading.ErrModeSwitchBlocked)
	assert.Equal(t, trading.ModeSpot, c.Current())
	assert.Empty(t, sw.calls)
	assert.Empty(t, ev.got)
}

func TestSwitch_BlockedByEmergency(t *testing.T) {
	c, g, _, _, _ := setup()
	g.emergency = true

	err := c.Switch(context.Background(), trading.ModeSwap)
	assert.ErrorIs(t, err, trading.ErrModeSwitchBlocked)
	assert.Empty(t, g.applied)
}

func TestSwitch_ExchangeFailureLeavesModeUnchanged(t *testing.T) {
	c, g, sw, st, ev := setup()
	sw.err = errors.New("account has open futures")

	err := c.Switch(context.Background(), trading.ModeSwap)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "open futures")
	assert.Equal(t, trading.ModeSpot, c.Current())
	assert.Empty(t, g.applied)
	assert.Empty(t, st.saved)
	assert.Empty(t, ev.got)
}

func TestSwitch_SameModeIsNoop(t *testing.T) {
	c, g, sw, _, ev := setup()

	require.NoError(t, c.Switch(context.Background(), trading.ModeSpot))
	assert.Empty(t, g.applied)
	assert.Empty(t, sw.calls)
	assert.Empty(t, ev.got)
}

func TestSwitch_RejectsUnknownMode(t *testing.T) {
	c, g, _, _, _ := setup()

	assert.Error(t, c.Switch(context.Background(), trading.Mode("margin")))
	assert.Empty(t, g.applied)
}

func TestSwitch_WithoutOptionalDeps(t *testing.T) {
	g := &fakeGate{mode: trading.ModeSwap}
	c := NewController(g, nil, nil, nil, logger.Discard())

	require.NoError(t, c.Switch(context.Background(), trading.ModeSpot))
	assert.Equal(t, trading.ModeSpot, g.mode)
}
