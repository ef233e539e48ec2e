package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/decision"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/storage"
	"github.com/camuig/crypto-trader/internal/trading"
)

type fakeEngine struct {
	history []trading.Decision
	limit   int
}

func (f *fakeEngine) Status() decision.Status {
	return decision.Status{Phase: "idle", Mode: trading.ModeSpot, Symbol: "BTC/USDT", Cycle: 3}
}

func (f *fakeEngine) History(limit int) []trading.Decision {
	f.limit = limit
	if limit < len(f.history) {
		return f.history[:limit]
	}
	return f.history
}

type fakeEmergency struct {
	req       *trading.EmergencyRequest
	confirmed []trading.ExecutionResult
	err       error
}

func (f *fakeEmergency) RequestEmergencyClose(context.Context) (trading.EmergencyRequest, error) {
	if f.err != nil {
		return trading.EmergencyRequest{}, f.err
	}
	req := trading.EmergencyRequest{ID: "req-1", RequestedAt: time.Unix(0, 0), ConfirmDeadline: time.Unix(3, 0)}
	f.req = &req
	return req, nil
}

func (f *fakeEmergency) ConfirmEmergency(context.Context) ([]trading.ExecutionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.confirmed, nil
}

func (f *fakeEmergency) CancelEmergency(context.Context) error { return f.err }

func (f *fakeEmergency) Emergency() (trading.EmergencyRequest, bool) {
	if f.req == nil {
		return trading.EmergencyRequest{}, false
	}
	return *f.req, true
}

type fakeModes struct {
	mode trading.Mode
	err  error
}

func (f *fakeModes) Switch(_ context.Context, m trading.Mode) error {
	if f.err != nil {
		return f.err
	}
	f.mode = m
	return nil
}

func (f *fakeModes) Current() trading.Mode { return f.mode }

type fakeStore struct{}

func (fakeStore) ListDecisions(_ context.Context, limit int) ([]storage.DecisionRecord, error) {
	return []storage.DecisionRecord{{DecisionID: fmt.Sprintf("db-%d", limit)}}, nil
}

func (fakeStore) ListExecutions(context.Context, int) ([]storage.ExecutionRecord, error) {
	return []storage.ExecutionRecord{{ClientID: "c1", Status: "FILLED"}}, nil
}

type fixture struct {
	handler   http.Handler
	engine    *fakeEngine
	emergency *fakeEmergency
	modes     *fakeModes
}

func newFixture(withStore bool) *fixture {
	f := &fixture{
		engine:    &fakeEngine{},
		emergency: &fakeEmergency{},
		modes:     &fakeModes{mode: trading.ModeSpot},
	}
	for i := 0; i < 5; i++ {
		f.engine.history = append(f.engine.history, trading.Decision{ID: fmt.Sprintf("d%d", i)})
	}
	deps := Deps{Engine: f.engine, Emergency: f.emergency, Modes: f.modes}
	if withStore {
		deps.Store = fakeStore{}
	}
	f.handler = NewServer(deps, &config.Config{}, logger.Discard()).Handler()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestStatus(t *testing.T) {
	f := newFixture(false)
	w := f.do(http.MethodGet, "/api/status", "")

	require.Equal(t, http.StatusOK, w.Code)
	var st decision.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "BTC/USDT", st.Symbol)
	assert.Equal(t, uint64(3), st.Cycle)
}

func TestDecisions(t *testing.T) {
	f := newFixture(true)

	w := f.do(http.MethodGet, "/api/decisions?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got []trading.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got, 2)

	f.do(http.MethodGet, "/api/decisions", "")
	assert.Equal(t, defaultLimit, f.engine.limit)

	f.do(http.MethodGet, "/api/decisions?limit=999999", "")
	assert.Equal(t, maxLimit, f.engine.limit)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/decisions?limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/decisions?limit=abc", "").Code)

	w = f.do(http.MethodGet, "/api/decisions?source=db&limit=7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "db-7")
}

func TestExecutionsNeedStorage(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, newFixture(false).do(http.MethodGet, "/api/executions", "").Code)

	w := newFixture(true).do(http.MethodGet, "/api/executions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"client_id":"c1"`)
}

func TestEmergencyFlow(t *testing.T) {
	f := newFixture(false)

	w := f.do(http.MethodGet, "/api/emergency", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pending":false}`, w.Body.String())

	w = f.do(http.MethodPost, "/api/emergency", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"req-1"`)

	w = f.do(http.MethodGet, "/api/emergency", "")
	assert.Contains(t, w.Body.String(), `"pending":true`)

	f.emergency.confirmed = []trading.ExecutionResult{
		{ClientID: "emergency-req-1-spot", Mode: trading.ModeSpot, Status: trading.StatusFilled},
		{ClientID: "emergency-req-1-swap", Mode: trading.ModeSwap, Status: trading.StatusFilled},
	}
	w = f.do(http.MethodPost, "/api/emergency/confirm", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"client_id":"emergency-req-1-spot"`)
	assert.Contains(t, w.Body.String(), `"client_id":"emergency-req-1-swap"`)
}

func TestEmergencyConfirmWithoutPosition(t *testing.T) {
	f := newFixture(false)
	w := f.do(http.MethodPost, "/api/emergency/confirm", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no open position")
}

func TestEmergencyErrors(t *testing.T) {
	tests := []struct {
		err  error
		path string
		want int
	}{
		{trading.ErrNoEmergencyRequest, "/api/emergency/confirm", http.StatusNotFound},
		{trading.ErrEmergencyExpired, "/api/emergency/confirm", http.StatusGone},
		{trading.ErrEmergencyConfirmed, "/api/emergency/cancel", http.StatusConflict},
		{trading.ErrEmergencyPending, "/api/emergency", http.StatusConflict},
		{fmt.Errorf("%w: timeout", trading.ErrExecutionFailed), "/api/emergency/confirm", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newFixture(false)
			f.emergency.err = tt.err
			assert.Equal(t, tt.want, f.do(http.MethodPost, tt.path, "").Code)
		})
	}
}

func TestModeSwitch(t *testing.T) {
	f := newFixture(false)

	w := f.do(http.MethodPost, "/api/mode", `{"mode":"swap"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"mode":"swap"}`, w.Body.String())

	w = f.do(http.MethodGet, "/api/mode", "")
	assert.JSONEq(t, `{"mode":"swap"}`, w.Body.String())
}

func TestModeSwitchValidation(t *testing.T) {
	f := newFixture(false)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/mode", `{"mode":"margin"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/mode", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/mode", `not json`).Code)
	assert.Equal(t, trading.ModeSpot, f.modes.mode)
}

func TestModeSwitchBlocked(t *testing.T) {
	f := newFixture(false)
	f.modes.err = fmt.Errorf("%w: order in flight", trading.ErrModeSwitchBlocked)

	w := f.do(http.MethodPost, "/api/mode", `{"mode":"swap"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "order in flight")
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(false)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)

	w := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
