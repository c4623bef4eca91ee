package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/vitos/cycle_trader/internal/domain"
	"go.uber.org/zap"
)

type CycleConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	// PollInterval is the watchdog period for the active order.
	PollInterval       time.Duration `yaml:"poll_interval"`
	FaultRetryInterval time.Duration `yaml:"fault_retry_interval"`
}

func DefaultCycleConfig() CycleConfig {
	return CycleConfig{
		TickInterval:       time.Second,
		PollInterval:       30 * time.Second,
		FaultRetryInterval: time.Minute,
	}
}

type TickResult string

const (
	TickSkipped    TickResult = "skipped_in_flight"
	TickFaulted    TickResult = "faulted"
	TickRecovered  TickResult = "recovered"
	TickPending    TickResult = "order_pending"
	TickNoProposal TickResult = "no_proposal"
	TickProposed   TickResult = "proposed"
	TickError      TickResult = "error"
)

// TickObserver is told how every tick ended.
type TickObserver interface {
	ObserveTick(result TickResult, took time.Duration)
}

// SnapshotSource builds the market input for a tick.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*domain.MarketSnapshot, error)
}

// CycleDriver runs the tick loop, the fill loop and the order watchdog.
// The advisory call happens outside the core lock, so fills keep flowing
// while the advisor thinks.
type CycleDriver struct {
	core     *Core
	gateway  *AdvisoryGateway
	market   SnapshotSource
	stream   domain.FillStream
	observer TickObserver
	cfg      CycleConfig
	logger   *zap.Logger

	inFlight    atomic.Bool
	mu          sync.Mutex
	lastRecover time.Time
	timeNow     func() time.Time
}

func NewCycleDriver(core *Core, gateway *AdvisoryGateway, market SnapshotSource, stream domain.FillStream, observer TickObserver, cfg CycleConfig, logger *zap.Logger) *CycleDriver {
	def := DefaultCycleConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FaultRetryInterval <= 0 {
		cfg.FaultRetryInterval = def.FaultRetryInterval
	}
	return &CycleDriver{
		core:     core,
		gateway:  gateway,
		market:   market,
		stream:   stream,
		observer: observer,
		cfg:      cfg,
		logger:   logger.Named("driver"),
		timeNow:  time.Now,
	}
}

// Run reconciles, starts the fill stream and blocks until ctx is done.
func (d *CycleDriver) Run(ctx context.Context) error {
	d.logger.Info("Starting cycle driver",
		zap.Duration("tick", d.cfg.TickInterval),
		zap.Duration("poll", d.cfg.PollInterval),
	)

	if err := d.core.Reconcile(ctx, "startup"); err != nil {
		// the tick loop keeps retrying at the fault interval
		d.logger.Error("Startup reconciliation failed", zap.Error(err))
		d.markRecoverAttempt()
	}

	if d.stream != nil {
		if err := d.stream.Start(ctx); err != nil {
			return err
		}
	}

	var wg conc.WaitGroup
	wg.Go(func() { d.tickLoop(ctx) })
	wg.Go(func() { d.watchdogLoop(ctx) })
	if d.stream != nil {
		wg.Go(func() { d.fillLoop(ctx) })
	}
	wg.Wait()

	d.logger.Info("Cycle driver stopped")
	return ctx.Err()
}

func (d *CycleDriver) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one decision. Ticks never overlap; one that fires while the
// previous is still in flight is skipped.
func (d *CycleDriver) Tick(ctx context.Context) TickResult {
	if !d.inFlight.CompareAndSwap(false, true) {
		d.logger.Warn("Previous tick still in flight, skipping")
		d.observe(TickSkipped, 0)
		return TickSkipped
	}
	defer d.inFlight.Store(false)

	start := time.Now()
	res := d.tick(ctx)
	d.observe(res, time.Since(start))
	return res
}

func (d *CycleDriver) tick(ctx context.Context) TickResult {
	st := d.core.Status()

	if st.State == domain.StateFaulted || !st.Reconciled {
		return d.recover(ctx)
	}
	if st.State == domain.StateBuyPending || st.State == domain.StateSellPending {
		return TickPending
	}

	snap, err := d.market.Snapshot(ctx)
	if err != nil {
		d.logger.Warn("Market snapshot failed, skipping tick", zap.Error(err))
		return TickError
	}

	out := d.gateway.Propose(ctx, *snap, d.core.TradingContext())
	if !out.Usable() {
		return TickNoProposal
	}

	if err := d.core.OnProposal(ctx, out, snap, st.Generation); err != nil {
		if errors.Is(err, domain.ErrFaulted) || errors.Is(err, domain.ErrNotReconciled) {
			return TickFaulted
		}
		d.logger.Error("Proposal handling failed", zap.Error(err))
		return TickError
	}
	return TickProposed
}

func (d *CycleDriver) markRecoverAttempt() {
	d.mu.Lock()
	d.lastRecover = d.timeNow()
	d.mu.Unlock()
}

func (d *CycleDriver) recover(ctx context.Context) TickResult {
	d.mu.Lock()
	due := d.lastRecover.IsZero() || d.timeNow().Sub(d.lastRecover) >= d.cfg.FaultRetryInterval
	d.mu.Unlock()
	if !due {
		return TickFaulted
	}

	d.markRecoverAttempt()
	if err := d.core.Recover(ctx); err != nil {
		d.logger.Warn("Recovery attempt failed", zap.Error(err), zap.Duration("retry_in", d.cfg.FaultRetryInterval))
		return TickFaulted
	}
	return TickRecovered
}

func (d *CycleDriver) fillLoop(ctx context.Context) {
	events := d.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				d.logger.Warn("Fill stream closed")
				return
			}
			d.handleEvent(ctx, ev)
		}
	}
}

func (d *CycleDriver) handleEvent(ctx context.Context, ev domain.StreamEvent) {
	switch ev.Kind {
	case domain.StreamEventConnected:
		if err := d.core.HandleStreamConnected(ctx); err != nil {
			d.logger.Error("Reconciliation after stream connect failed", zap.Error(err))
		}
	case domain.StreamEventFill:
		if ev.Fill != nil {
			d.core.HandleFill(ctx, *ev.Fill)
		}
	}
}

func (d *CycleDriver) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.core.PollActiveOrder(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("Active order poll failed", zap.Error(err))
			}
			if st := d.core.Status(); st.State == domain.StateFaulted {
				d.recover(ctx)
			}
		}
	}
}

func (d *CycleDriver) observe(res TickResult, took time.Duration) {
	if d.observer != nil {
		d.observer.ObserveTick(res, took)
	}
}
