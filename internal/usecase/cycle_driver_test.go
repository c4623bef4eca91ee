package usecase_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/cycle_trader/internal/domain"
	"github.com/vitos/cycle_trader/internal/usecase"
	"go.uber.org/zap"
)

const cycleAnswer = `{"buy_price": 40, "sell_price": 40.5, "confidence": 0.9, "reasoning": "range bound"}`

func staticAdvisor(answer string) advisorFn {
	return func(ctx context.Context, req domain.AdvisoryRequest) (string, error) {
		return answer, nil
	}
}

func newTestDriver(f *coreFixture, advisor domain.Advisor, stream domain.FillStream, cfg usecase.CycleConfig) *usecase.CycleDriver {
	gateway := usecase.NewAdvisoryGateway(advisor, usecase.AdvisoryConfig{
		Timeout:         time.Second,
		ConfidenceFloor: 0.8,
	}, f.tel, zap.NewNop())
	market := usecase.NewMarketService(f.ex, "TRUMPUSDC", usecase.MarketConfig{})
	return usecase.NewCycleDriver(f.core, gateway, market, stream, nil, cfg, zap.NewNop())
}

func TestCycleDriver_CompletesCycles(t *testing.T) {
	ex := newFakeExchange()
	ex.fillOnPlace = true
	f := newCoreFixture(t, ex)
	driver := newTestDriver(f, staticAdvisor(cycleAnswer), nil, usecase.CycleConfig{
		TickInterval: 10 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()

	require.Eventually(t, func() bool { return f.tel.tradeCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	f.tel.mu.Lock()
	trade := f.tel.trades[0]
	f.tel.mu.Unlock()
	assert.True(t, trade.RealizedProfit.IsPositive())
	assert.True(t, trade.SellPrice.Equal(d("40.5")))
}

func TestCycleDriver_StreamEvents(t *testing.T) {
	ex := newFakeExchange()
	f := newCoreFixture(t, ex)
	stream := newFakeStream()
	driver := newTestDriver(f, staticAdvisor(cycleAnswer), stream, usecase.CycleConfig{
		TickInterval: time.Hour,
		PollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = driver.Run(ctx) }()

	// the first tick runs immediately and places the buy
	require.Eventually(t, func() bool {
		return f.core.State() == domain.StateBuyPending
	}, time.Second, 5*time.Millisecond)

	report := ex.complete(f.core.Status().OpenOrder.OrderID)
	ev := domain.FillFromReport(report)
	ev.Source = domain.FillSourceStream
	stream.events <- domain.StreamEvent{Kind: domain.StreamEventFill, Fill: &ev}
	// redelivery is harmless
	stream.events <- domain.StreamEvent{Kind: domain.StreamEventFill, Fill: &ev}

	require.Eventually(t, func() bool {
		return f.core.State() == domain.StateAwaitingSell
	}, time.Second, 5*time.Millisecond)

	gen := f.core.Status().Generation
	stream.events <- domain.StreamEvent{Kind: domain.StreamEventConnected}
	require.Eventually(t, func() bool {
		return f.core.Status().Generation > gen
	}, time.Second, 5*time.Millisecond)

	st := f.core.Status()
	assert.Equal(t, domain.StateAwaitingSell, st.State)
	assert.Equal(t, domain.CostBasisRecorded, st.Position.Source)
	assert.Equal(t, 1, f.tel.transitionsTo(domain.StateBuyPending))
}

func TestCycleDriver_OverlappingTickIsSkipped(t *testing.T) {
	f := newCoreFixture(t, newFakeExchange())
	require.NoError(t, f.core.Reconcile(context.Background(), "startup"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	advisor := advisorFn(func(ctx context.Context, req domain.AdvisoryRequest) (string, error) {
		once.Do(func() { close(entered) })
		<-release
		return cycleAnswer, nil
	})
	driver := newTestDriver(f, advisor, nil, usecase.CycleConfig{})

	first := make(chan usecase.TickResult, 1)
	go func() { first <- driver.Tick(context.Background()) }()
	<-entered

	assert.Equal(t, usecase.TickSkipped, driver.Tick(context.Background()))

	close(release)
	assert.Equal(t, usecase.TickProposed, <-first)
	assert.Equal(t, domain.StateBuyPending, f.core.State())
	assert.Equal(t, usecase.TickPending, driver.Tick(context.Background()))
}

func TestCycleDriver_FaultRecovery(t *testing.T) {
	ex := newFakeExchange()
	ex.openErr = fmt.Errorf("%w: exchange maintenance", domain.ErrTransient)
	f := newCoreFixture(t, ex)
	driver := newTestDriver(f, staticAdvisor(cycleAnswer), nil, usecase.CycleConfig{
		FaultRetryInterval: 50 * time.Millisecond,
	})
	ctx := context.Background()

	assert.Equal(t, usecase.TickFaulted, driver.Tick(ctx))
	assert.Equal(t, domain.StateFaulted, f.core.State())

	ex.mu.Lock()
	ex.openErr = nil
	ex.mu.Unlock()

	// not due yet
	assert.Equal(t, usecase.TickFaulted, driver.Tick(ctx))
	assert.Equal(t, domain.StateFaulted, f.core.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, usecase.TickRecovered, driver.Tick(ctx))
	assert.Equal(t, domain.StateAwaitingBuy, f.core.State())

	assert.Equal(t, usecase.TickProposed, driver.Tick(ctx))
	assert.Equal(t, domain.StateBuyPending, f.core.State())
}
