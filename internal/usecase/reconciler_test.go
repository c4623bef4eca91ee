package usecase_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/cycle_trader/internal/domain"
	"github.com/vitos/cycle_trader/internal/usecase"
	"go.uber.org/zap"
)

func newTestReconciler(ex *fakeExchange, costs domain.CostBasisStore) *usecase.Reconciler {
	return usecase.NewReconciler(ex, ex, costs, usecase.ReconcilerConfig{
		Symbol:     "TRUMPUSDC",
		BaseAsset:  "TRUMP",
		QuoteAsset: "USDC",
		FeeRate:    d("0.001"),
		Retry:      fastRetry,
	}, zap.NewNop())
}

func TestReconciler_States(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(ex *fakeExchange)
		wantState domain.CycleState
		wantOrder bool
		wantPos   bool
	}{
		{
			name:      "flat account",
			setup:     func(ex *fakeExchange) {},
			wantState: domain.StateAwaitingBuy,
		},
		{
			name: "open buy without base",
			setup: func(ex *fakeExchange) {
				ex.addOpenOrder(domain.SideBuy, "0.25", "40")
			},
			wantState: domain.StateBuyPending,
			wantOrder: true,
		},
		{
			name: "open buy with base balance",
			setup: func(ex *fakeExchange) {
				ex.setBalance("TRUMP", "0.1", "0")
				ex.addOpenOrder(domain.SideBuy, "0.25", "40")
			},
			wantState: domain.StateBuyPending,
			wantOrder: true,
		},
		{
			name: "base balance without orders",
			setup: func(ex *fakeExchange) {
				ex.setBalance("TRUMP", "0.25", "0")
			},
			wantState: domain.StateAwaitingSell,
			wantPos:   true,
		},
		{
			name: "base locked in open sell",
			setup: func(ex *fakeExchange) {
				ex.setBalance("TRUMP", "0", "0.25")
				ex.addOpenOrder(domain.SideSell, "0.25", "41")
			},
			wantState: domain.StateSellPending,
			wantOrder: true,
			wantPos:   true,
		},
		{
			name: "dust below min notional",
			setup: func(ex *fakeExchange) {
				ex.setBalance("TRUMP", "0.01", "0")
			},
			wantState: domain.StateAwaitingBuy,
		},
		{
			name: "dust below min quantity",
			setup: func(ex *fakeExchange) {
				ex.setBalance("TRUMP", "0.0004", "0")
			},
			wantState: domain.StateAwaitingBuy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchange()
			tt.setup(ex)
			r := newTestReconciler(ex, newMemoryCosts())

			res, err := r.Reconcile(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, tt.wantOrder, res.OpenOrder != nil)
			assert.Equal(t, tt.wantPos, res.Position != nil)
			assert.True(t, res.Rules.TickSize.Equal(d("0.01")))
		})
	}
}

func TestReconciler_NeverWrites(t *testing.T) {
	ex := newFakeExchange()
	ex.addOpenOrder(domain.SideSell, "0.25", "41")
	ex.setBalance("TRUMP", "0", "0.25")
	r := newTestReconciler(ex, newMemoryCosts())

	first, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	second, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.OpenOrder.OrderID, second.OpenOrder.OrderID)
	assert.Zero(t, ex.count("place"))
	assert.Zero(t, ex.count("cancel"))
}

func TestReconciler_AmbiguousState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(ex *fakeExchange)
	}{
		{
			name: "two buys",
			setup: func(ex *fakeExchange) {
				ex.addOpenOrder(domain.SideBuy, "0.25", "40")
				ex.addOpenOrder(domain.SideBuy, "0.25", "39")
			},
		},
		{
			name: "buy and sell",
			setup: func(ex *fakeExchange) {
				ex.setBalance("TRUMP", "0", "0.25")
				ex.addOpenOrder(domain.SideBuy, "0.25", "40")
				ex.addOpenOrder(domain.SideSell, "0.25", "41")
			},
		},
		{
			name: "sell without base",
			setup: func(ex *fakeExchange) {
				ex.addOpenOrder(domain.SideSell, "0.25", "41")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchange()
			tt.setup(ex)
			r := newTestReconciler(ex, nil)

			_, err := r.ReconcileWithRetry(context.Background())
			assert.ErrorIs(t, err, domain.ErrAmbiguousExchangeState)
			assert.Equal(t, 1, ex.count("open_orders"), "ambiguity is not retried")
		})
	}
}

func TestReconciler_CostBasisSources(t *testing.T) {
	ctx := context.Background()

	t.Run("recorded position", func(t *testing.T) {
		ex := newFakeExchange()
		ex.setBalance("TRUMP", "0.25", "0")
		costs := newMemoryCosts()
		require.NoError(t, costs.SavePosition(ctx, "TRUMPUSDC", &domain.Position{
			Quantity: d("0.25"), CostBasis: d("10.01"), BuyPrice: d("40"), Source: domain.CostBasisFill,
		}))

		res, err := newTestReconciler(ex, costs).Reconcile(ctx)
		require.NoError(t, err)
		require.NotNil(t, res.Position)
		assert.Equal(t, domain.CostBasisRecorded, res.Position.Source)
		assert.True(t, res.Position.CostBasis.Equal(d("10.01")))
		assert.Zero(t, ex.count("fills"), "history not needed")
	})

	t.Run("trade history", func(t *testing.T) {
		ex := newFakeExchange()
		ex.setBalance("TRUMP", "0.25", "0")
		now := time.Now()
		ex.history = []domain.OwnFill{
			{TradeID: 1, OrderID: "1", Side: domain.SideBuy, Price: d("30"), Quantity: d("1"), Quote: d("30"), Commission: d("0.03"), CommissionAsset: "USDC", Time: now.Add(-2 * time.Hour)},
			{TradeID: 2, OrderID: "1", Side: domain.SideSell, Price: d("35"), Quantity: d("1"), Quote: d("35"), Commission: d("0.035"), CommissionAsset: "USDC", Time: now.Add(-time.Hour)},
			{TradeID: 3, OrderID: "5", Side: domain.SideBuy, Price: d("40"), Quantity: d("0.1"), Quote: d("4"), Commission: d("0.004"), CommissionAsset: "USDC", Time: now.Add(-2 * time.Minute)},
			{TradeID: 4, OrderID: "5", Side: domain.SideBuy, Price: d("40"), Quantity: d("0.15"), Quote: d("6"), Commission: d("0.006"), CommissionAsset: "USDC", Time: now.Add(-time.Minute)},
		}

		res, err := newTestReconciler(ex, newMemoryCosts()).Reconcile(ctx)
		require.NoError(t, err)
		require.NotNil(t, res.Position)
		assert.Equal(t, domain.CostBasisTradeHistory, res.Position.Source)
		assert.True(t, res.Position.CostBasis.Equal(d("10.01")), "cost basis %s", res.Position.CostBasis)
		assert.True(t, res.Position.BuyPrice.Equal(d("40")))
		assert.Equal(t, "5", res.Position.BuyOrderID)
	})

	t.Run("recorded quantity mismatch falls through", func(t *testing.T) {
		ex := newFakeExchange()
		ex.setBalance("TRUMP", "0.5", "0")
		costs := newMemoryCosts()
		require.NoError(t, costs.SavePosition(ctx, "TRUMPUSDC", &domain.Position{
			Quantity: d("0.25"), CostBasis: d("10.01"), Source: domain.CostBasisFill,
		}))

		res, err := newTestReconciler(ex, costs).Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.CostBasisDegraded, res.Position.Source)
		assert.NotEmpty(t, res.Notes)
	})

	t.Run("degraded estimate", func(t *testing.T) {
		ex := newFakeExchange()
		ex.setBalance("TRUMP", "0.25", "0")

		res, err := newTestReconciler(ex, nil).Reconcile(ctx)
		require.NoError(t, err)
		require.NotNil(t, res.Position)
		assert.True(t, res.Position.Degraded())
		// 40 * 0.25 * 1.001
		assert.True(t, res.Position.CostBasis.Equal(d("10.01")), "cost basis %s", res.Position.CostBasis)
	})
}

func TestReconciler_RetriesTransientFailures(t *testing.T) {
	ex := newFakeExchange()
	ex.openErr = fmt.Errorf("%w: connection reset", domain.ErrTransient)
	r := newTestReconciler(ex, nil)

	_, err := r.ReconcileWithRetry(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, int(fastRetry.MaxAttempts), ex.count("open_orders"))

	ex.mu.Lock()
	ex.openErr = nil
	ex.mu.Unlock()
	res, err := r.ReconcileWithRetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingBuy, res.State)
}

func TestReconciler_AdoptedOrderKeepsPaidFees(t *testing.T) {
	ctx := context.Background()

	t.Run("commission from own trades", func(t *testing.T) {
		ex := newFakeExchange()
		id := ex.addOpenOrder(domain.SideBuy, "0.25", "40")
		ex.partialFill(id, "0.1")

		res, err := newTestReconciler(ex, newMemoryCosts()).Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.StateBuyPending, res.State)
		require.NotNil(t, res.OpenOrder)
		assert.True(t, res.OpenOrder.FilledQuote.Equal(d("4")))
		assert.True(t, res.OpenOrder.Commission.Equal(d("0.004")), "commission %s", res.OpenOrder.Commission)
		assert.True(t, res.OpenOrder.UnpricedQuote.IsZero())
	})

	t.Run("estimated when history is unavailable", func(t *testing.T) {
		ex := newFakeExchange()
		id := ex.addOpenOrder(domain.SideBuy, "0.25", "40")
		ex.partialFill(id, "0.1")
		ex.dropHistory(fmt.Errorf("history endpoint down"))

		res, err := newTestReconciler(ex, newMemoryCosts()).Reconcile(ctx)
		require.NoError(t, err)
		require.NotNil(t, res.OpenOrder)
		assert.True(t, res.OpenOrder.Commission.IsZero())
		assert.True(t, res.OpenOrder.UnpricedQuote.Equal(d("4")))
	})

	t.Run("unfilled order skips history", func(t *testing.T) {
		ex := newFakeExchange()
		ex.addOpenOrder(domain.SideBuy, "0.25", "40")

		_, err := newTestReconciler(ex, newMemoryCosts()).Reconcile(ctx)
		require.NoError(t, err)
		assert.Zero(t, ex.count("fills"))
	})
}
