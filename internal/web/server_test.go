package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/cycle_trader/internal/domain"
	"github.com/vitos/cycle_trader/internal/usecase"
	"go.uber.org/zap"
)

type fakeController struct {
	status     usecase.CoreStatus
	reconciles []string
	reconErr   error
	cancelErr  error
}

func (f *fakeController) Status() usecase.CoreStatus { return f.status }

func (f *fakeController) Reconcile(_ context.Context, reason string) error {
	f.reconciles = append(f.reconciles, reason)
	return f.reconErr
}

func (f *fakeController) CancelActiveOrder(context.Context) error { return f.cancelErr }

type fakeTrades struct {
	trades    []*domain.TradeRecord
	lastLimit int
	err       error
}

func (f *fakeTrades) ListTrades(_ context.Context, limit int) ([]*domain.TradeRecord, error) {
	f.lastLimit = limit
	return f.trades, f.err
}

type fakeAudit struct {
	fakeTrades
	transitions []domain.Transition
}

func (f *fakeAudit) ListTransitions(_ context.Context, limit int) ([]domain.Transition, error) {
	return f.transitions, nil
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServer_HealthAndStatus(t *testing.T) {
	ctrl := &fakeController{status: usecase.CoreStatus{
		State:        domain.StateAwaitingSell,
		Reconciled:   true,
		Position:     &domain.Position{Quantity: decimal.RequireFromString("0.25"), CostBasis: decimal.RequireFromString("10.01")},
		MinSellPrice: decimal.RequireFromString("40.1001"),
	}}
	s := NewServer(":0", ctrl, &fakeTrades{}, zap.NewNop())

	rec := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "awaiting_sell", body["state"])
	assert.Equal(t, true, body["reconciled"])
	assert.Equal(t, "40.1001", body["min_sell_price"])
}

func TestServer_Trades(t *testing.T) {
	trades := &fakeTrades{trades: []*domain.TradeRecord{
		{ID: "a", RealizedProfit: decimal.RequireFromString("0.1"), FeePaid: decimal.RequireFromString("0.02")},
		{ID: "b", RealizedProfit: decimal.RequireFromString("-0.05"), FeePaid: decimal.RequireFromString("0.02")},
	}}
	s := NewServer(":0", &fakeController{}, trades, zap.NewNop())

	rec := do(t, s, http.MethodGet, "/trades?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, trades.lastLimit)

	var body struct {
		Summary domain.TradeSummary   `json:"summary"`
		Trades  []*domain.TradeRecord `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Trades, 2)
	assert.Equal(t, 2, body.Summary.Trades)
	assert.Equal(t, 1, body.Summary.Wins)
	assert.True(t, body.Summary.RealizedProfit.Equal(decimal.RequireFromString("0.05")))

	do(t, s, http.MethodGet, "/trades")
	assert.Equal(t, defaultListLimit, trades.lastLimit)

	do(t, s, http.MethodGet, "/trades?limit=100000")
	assert.Equal(t, maxListLimit, trades.lastLimit)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/trades?limit=-1").Code)

	trades.err = errors.New("disk full")
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/trades").Code)
}

func TestServer_Transitions(t *testing.T) {
	s := NewServer(":0", &fakeController{}, &fakeTrades{}, zap.NewNop())
	assert.Equal(t, http.StatusNotImplemented, do(t, s, http.MethodGet, "/transitions").Code)

	audit := &fakeAudit{transitions: []domain.Transition{{From: domain.StateBuyPending, To: domain.StateFaulted, Trigger: "fault"}}}
	s = NewServer(":0", &fakeController{}, audit, zap.NewNop())
	rec := do(t, s, http.MethodGet, "/transitions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"to":"faulted"`)
}

func TestServer_Reconcile(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(":0", ctrl, &fakeTrades{}, zap.NewNop())

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/reconcile").Code)
	assert.Equal(t, []string{"operator request"}, ctrl.reconciles)

	ctrl.reconErr = fmt.Errorf("reconcile: %w", domain.ErrAmbiguousExchangeState)
	rec := do(t, s, http.MethodPost, "/reconcile")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "ambiguous exchange state")

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/reconcile").Code)
}

func TestServer_CancelActiveOrder(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"cancelled", nil, http.StatusOK},
		{"nothing to cancel", domain.ErrNoActiveOrder, http.StatusNotFound},
		{"faulted", domain.ErrFaulted, http.StatusConflict},
		{"exchange down", fmt.Errorf("cancel order 1: %w", domain.ErrTransient), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(":0", &fakeController{cancelErr: tt.err}, &fakeTrades{}, zap.NewNop())
			assert.Equal(t, tt.want, do(t, s, http.MethodPost, "/orders/active/cancel").Code)
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	s := NewServer(":0", &fakeController{}, &fakeTrades{}, zap.NewNop())
	do(t, s, http.MethodGet, "/health")

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `cycle_http_requests_total{method="GET",path="/health",status="200"}`))
}
