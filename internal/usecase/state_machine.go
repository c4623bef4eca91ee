package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/domain"
	"go.uber.org/zap"
)

const (
	SellFallbackSkip          = "skip"
	SellFallbackDeterministic = "deterministic"
)

type CoreConfig struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	BuyNotional decimal.Decimal
	// SellFallback selects what happens when the proposed sell price fails
	// the margin check: skip the tick or place the deterministic price.
	SellFallback   string
	FallbackSpread decimal.Decimal
	// MinNotionalOverride raises the exchange minimum order value.
	MinNotionalOverride decimal.Decimal
	ClientOrderPrefix   string
}

// CoreStatus is a consistent read-only view of the controller.
type CoreStatus struct {
	State          domain.CycleState  `json:"state"`
	Position       *domain.Position   `json:"position,omitempty"`
	OpenOrder      *domain.OpenOrder  `json:"open_order,omitempty"`
	Reconciled     bool               `json:"reconciled"`
	LastReconcile  time.Time          `json:"last_reconcile"`
	FaultReason    string             `json:"fault_reason,omitempty"`
	Generation     uint64             `json:"generation"`
	Rules          domain.SymbolRules `json:"rules"`
	BreakevenPrice decimal.Decimal    `json:"breakeven_price"`
	MinSellPrice   decimal.Decimal    `json:"min_sell_price"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// legalTransitions lists the edges a tick or fill may take. Faulted is
// reachable from anywhere and reconciliation may land in any state.
var legalTransitions = map[domain.CycleState][]domain.CycleState{
	domain.StateAwaitingBuy:  {domain.StateBuyPending},
	domain.StateBuyPending:   {domain.StateAwaitingSell, domain.StateAwaitingBuy},
	domain.StateAwaitingSell: {domain.StateSellPending},
	domain.StateSellPending:  {domain.StateAwaitingBuy, domain.StateAwaitingSell},
}

func legal(from, to domain.CycleState) bool {
	if to == domain.StateFaulted {
		return true
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const triggerReconcile = "reconcile"

// Core owns the cycle state and is the only component that places or
// cancels orders. Every mutation happens under mu, which is held across
// decide, executor call and recording the order.
type Core struct {
	exec       domain.OrderExecutor
	validator  *MarginValidator
	fills      *FillProcessor
	reconciler *Reconciler
	costs      domain.CostBasisStore
	telemetry  domain.TelemetrySink
	alerter    domain.Alerter
	cfg        CoreConfig
	logger     *zap.Logger

	mu            sync.Mutex
	state         domain.CycleState
	position      *domain.Position
	order         *domain.OpenOrder
	rules         domain.SymbolRules
	reconciled    bool
	lastReconcile time.Time
	faultReason   string
	generation    uint64
	rejected      map[domain.Side]decimal.Decimal

	status      atomic.Pointer[CoreStatus]
	newClientID func() string
	timeNow     func() time.Time
}

func NewCore(
	exec domain.OrderExecutor,
	validator *MarginValidator,
	fills *FillProcessor,
	reconciler *Reconciler,
	costs domain.CostBasisStore,
	telemetry domain.TelemetrySink,
	alerter domain.Alerter,
	cfg CoreConfig,
	logger *zap.Logger,
) *Core {
	if telemetry == nil {
		telemetry = NewTelemetry()
	}
	if cfg.SellFallback == "" {
		cfg.SellFallback = SellFallbackSkip
	}
	if cfg.ClientOrderPrefix == "" {
		cfg.ClientOrderPrefix = "cyc"
	}
	c := &Core{
		exec:       exec,
		validator:  validator,
		fills:      fills,
		reconciler: reconciler,
		costs:      costs,
		telemetry:  telemetry,
		alerter:    alerter,
		cfg:        cfg,
		logger:     logger.Named("core"),
		state:      domain.StateAwaitingBuy,
		rejected:   make(map[domain.Side]decimal.Decimal),
		timeNow:    time.Now,
	}
	c.newClientID = func() string {
		// binance caps client order ids at 36 chars
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		return c.cfg.ClientOrderPrefix + "-" + id[:24]
	}
	c.publish()
	return c
}

func (c *Core) State() domain.CycleState {
	return c.status.Load().State
}

func (c *Core) Status() CoreStatus {
	return *c.status.Load()
}

// TradingContext describes our own book for the advisor.
func (c *Core) TradingContext() domain.TradingContext {
	st := c.status.Load()
	return domain.TradingContext{
		Symbol:       c.cfg.Symbol,
		State:        st.State,
		Position:     st.Position,
		Breakeven:    st.BreakevenPrice,
		MinSellPrice: st.MinSellPrice,
		FeeRate:      c.validator.FeeRate(),
		BuyNotional:  c.cfg.BuyNotional,
	}
}

// publish must be called with mu held.
func (c *Core) publish() {
	st := &CoreStatus{
		State:         c.state,
		Reconciled:    c.reconciled,
		LastReconcile: c.lastReconcile,
		FaultReason:   c.faultReason,
		Generation:    c.generation,
		Rules:         c.rules,
		UpdatedAt:     c.timeNow(),
	}
	if c.position != nil {
		pos := *c.position
		st.Position = &pos
		st.BreakevenPrice = c.validator.Breakeven(pos.CostBasis, pos.Quantity)
		st.MinSellPrice = c.validator.MinSellPrice(&pos)
	}
	if c.order != nil {
		o := *c.order
		st.OpenOrder = &o
	}
	c.status.Store(st)
}

// Reconcile replaces in-memory state with exchange truth.
func (c *Core) Reconcile(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconcileLocked(ctx, reason)
}

// Recover reconciles when the controller is Faulted or never reconciled.
func (c *Core) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconciled && c.state != domain.StateFaulted {
		return nil
	}
	return c.reconcileLocked(ctx, "fault recovery")
}

// HandleStreamConnected forces reconciliation since events may have been
// missed while the stream was down.
func (c *Core) HandleStreamConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconcileLocked(ctx, "fill stream connected")
}

func (c *Core) reconcileLocked(ctx context.Context, reason string) error {
	c.logger.Info("Reconciling with exchange", zap.String("reason", reason), zap.String("state", c.state.String()))

	res, err := c.reconciler.ReconcileWithRetry(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		c.fault(ctx, fmt.Sprintf("reconciliation failed: %v", err))
		return fmt.Errorf("reconcile (%s): %w", reason, err)
	}

	prevState := c.state
	c.logDiscrepancies(res)

	c.state = res.State
	c.position = res.Position
	c.order = res.OpenOrder
	c.rules = res.Rules
	c.reconciled = true
	c.lastReconcile = res.At
	c.faultReason = ""
	c.generation++

	if c.costs != nil {
		var err error
		if res.Position != nil {
			err = c.costs.SavePosition(ctx, c.cfg.Symbol, res.Position)
		} else if !res.State.HoldsPosition() && res.State != domain.StateBuyPending {
			err = c.costs.ClearPosition(ctx, c.cfg.Symbol)
		}
		if err != nil {
			c.logger.Warn("Failed to update recorded position", zap.Error(err))
		}
	}

	c.record(ctx, domain.Transition{
		From:    prevState,
		To:      res.State,
		Trigger: triggerReconcile,
		Reason:  reason,
		OrderID: orderID(res.OpenOrder),
		At:      c.timeNow(),
	})

	fields := []zap.Field{zap.String("state", res.State.String()), zap.String("reason", reason)}
	for _, n := range res.Notes {
		fields = append(fields, zap.String("note", n))
	}
	c.logger.Info("Reconciled", fields...)

	if prevState == domain.StateFaulted {
		c.alert(fmt.Sprintf("%s recovered, state %s", c.cfg.Symbol, res.State))
	}

	c.checkInvariants(ctx)
	c.publish()
	return nil
}

// logDiscrepancies reports where memory disagreed with the exchange.
// Reconciliation always wins.
func (c *Core) logDiscrepancies(res *domain.ReconcileResult) {
	if !c.reconciled {
		return
	}
	if c.state != res.State {
		c.logger.Warn("State desync corrected",
			zap.String("memory", c.state.String()),
			zap.String("exchange", res.State.String()),
		)
	}
	if orderID(c.order) != orderID(res.OpenOrder) {
		c.logger.Warn("Open order desync corrected",
			zap.String("memory", orderID(c.order)),
			zap.String("exchange", orderID(res.OpenOrder)),
		)
	}
	memQty, exQty := decimal.Zero, decimal.Zero
	if c.position != nil {
		memQty = c.position.Quantity
	}
	if res.Position != nil {
		exQty = res.Position.Quantity
	}
	if !memQty.Equal(exQty) {
		c.logger.Warn("Position desync corrected",
			zap.String("memory", memQty.String()),
			zap.String("exchange", exQty.String()),
		)
	}
}

// OnProposal is the tick path. The advisory call has already happened
// outside the lock; results requested under an older generation are dropped.
func (c *Core) OnProposal(ctx context.Context, out domain.AdvisoryOutcome, snap *domain.MarketSnapshot, generation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == domain.StateFaulted {
		return domain.ErrFaulted
	}
	if !c.reconciled {
		return domain.ErrNotReconciled
	}
	if generation != c.generation {
		c.logger.Debug("Discarding proposal from superseded state",
			zap.Uint64("requested", generation),
			zap.Uint64("current", c.generation),
		)
		return nil
	}
	if !out.Usable() {
		return nil
	}

	var err error
	switch c.state {
	case domain.StateAwaitingBuy:
		err = c.placeBuy(ctx, out.Proposal)
	case domain.StateAwaitingSell:
		err = c.placeSell(ctx, out.Proposal, snap)
	}
	c.publish()
	return err
}

func (c *Core) minNotional() decimal.Decimal {
	if c.cfg.MinNotionalOverride.GreaterThan(c.rules.MinNotional) {
		return c.cfg.MinNotionalOverride
	}
	return c.rules.MinNotional
}

func (c *Core) tradable(qty, price decimal.Decimal) bool {
	rules := c.rules
	rules.MinNotional = c.minNotional()
	return rules.Tradable(qty, price)
}

func (c *Core) reject(ctx context.Context, side domain.Side, price, minimum decimal.Decimal, confidence float64, reason string) {
	c.logger.Warn("Proposal rejected",
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.String("minimum", minimum.String()),
		zap.String("reason", reason),
	)
	c.telemetry.RecordRejection(ctx, domain.ProposalRejection{
		Side:          side,
		ProposedPrice: price,
		MinimumPrice:  minimum,
		Confidence:    confidence,
		Reason:        reason,
		At:            c.timeNow(),
	})
}

func (c *Core) placeBuy(ctx context.Context, p *domain.AdvisoryProposal) error {
	if c.order != nil {
		return fmt.Errorf("buy with open order %s: %w", c.order.OrderID, domain.ErrIllegalTransition)
	}

	price := c.rules.RoundPriceDown(p.BuyPrice)
	if !price.IsPositive() {
		c.reject(ctx, domain.SideBuy, p.BuyPrice, c.rules.TickSize, p.Confidence, "price rounds to zero")
		return nil
	}
	if last, ok := c.rejected[domain.SideBuy]; ok && last.Equal(price) {
		c.reject(ctx, domain.SideBuy, price, decimal.Zero, p.Confidence, "identical to price rejected by exchange")
		return nil
	}

	qty := c.rules.RoundQuantityDown(c.cfg.BuyNotional.Div(price))
	if !c.tradable(qty, price) {
		c.reject(ctx, domain.SideBuy, price, c.minNotional(), p.Confidence,
			fmt.Sprintf("quantity %s below exchange minimums", qty))
		return nil
	}

	bal, err := c.exec.GetBalance(ctx, c.cfg.QuoteAsset)
	if err != nil {
		return c.executorFailure(ctx, "quote balance", err)
	}
	needed := qty.Mul(price).Mul(decimal.NewFromInt(1).Add(c.validator.FeeRate()))
	if bal.Free.LessThan(needed) {
		c.reject(ctx, domain.SideBuy, price, decimal.Zero, p.Confidence,
			fmt.Sprintf("insufficient %s: free %s, need %s", c.cfg.QuoteAsset, bal.Free, needed))
		return nil
	}

	return c.place(ctx, domain.OrderRequest{
		Side:          domain.SideBuy,
		Quantity:      qty,
		Price:         price,
		ClientOrderID: c.newClientID(),
	}, domain.StateBuyPending)
}

func (c *Core) placeSell(ctx context.Context, p *domain.AdvisoryProposal, snap *domain.MarketSnapshot) error {
	if c.position == nil || !c.position.Quantity.IsPositive() {
		return fmt.Errorf("sell without position: %w", domain.ErrIllegalTransition)
	}
	if c.order != nil {
		return fmt.Errorf("sell with open order %s: %w", c.order.OrderID, domain.ErrIllegalTransition)
	}

	qty := c.rules.RoundQuantityDown(c.position.Quantity)
	// the sold quantity must recover the whole cost basis
	view := *c.position
	view.Quantity = qty

	price := c.rules.RoundPriceDown(p.SellPrice)
	if err := c.validator.Validate(&view, price); err != nil {
		minimum := c.validator.MinSellPrice(&view)
		c.reject(ctx, domain.SideSell, price, minimum, p.Confidence, err.Error())
		if c.cfg.SellFallback != SellFallbackDeterministic {
			return nil
		}
		spread := c.cfg.FallbackSpread
		if snap != nil {
			if vol := decimal.NewFromFloat(snap.VolatilitySpread); vol.GreaterThan(spread) {
				spread = vol
			}
		}
		price = c.validator.FallbackSellPrice(&view, spread, c.rules)
		c.logger.Info("Using deterministic sell price",
			zap.String("price", price.String()),
			zap.String("spread", spread.String()),
		)
		if err := c.validator.Validate(&view, price); err != nil {
			return fmt.Errorf("fallback sell price: %w", err)
		}
	}

	if last, ok := c.rejected[domain.SideSell]; ok && last.Equal(price) {
		c.reject(ctx, domain.SideSell, price, decimal.Zero, p.Confidence, "identical to price rejected by exchange")
		return nil
	}
	if !c.tradable(qty, price) {
		c.reject(ctx, domain.SideSell, price, c.minNotional(), p.Confidence,
			fmt.Sprintf("quantity %s below exchange minimums", qty))
		return nil
	}

	return c.place(ctx, domain.OrderRequest{
		Side:          domain.SideSell,
		Quantity:      qty,
		Price:         price,
		ClientOrderID: c.newClientID(),
	}, domain.StateSellPending)
}

func (c *Core) place(ctx context.Context, req domain.OrderRequest, next domain.CycleState) error {
	c.logger.Info("Placing order",
		zap.String("side", string(req.Side)),
		zap.String("qty", req.Quantity.String()),
		zap.String("price", req.Price.String()),
		zap.String("client_order_id", req.ClientOrderID),
	)

	order, err := c.exec.PlaceLimitOrder(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrOrderRejected) {
			c.rejected[req.Side] = req.Price
			c.reject(ctx, req.Side, req.Price, decimal.Zero, 0, err.Error())
			return nil
		}
		return c.executorFailure(ctx, "place "+strings.ToLower(string(req.Side)), err)
	}

	if order.Side == "" {
		order.Side = req.Side
	}
	if order.Quantity.IsZero() {
		order.Quantity = req.Quantity
	}
	if order.Price.IsZero() {
		order.Price = req.Price
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = req.ClientOrderID
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = c.timeNow()
	}

	delete(c.rejected, req.Side)

	// an order can fill on placement; its acknowledgement is replayed as
	// the first fill event so fees are accounted the same way
	ack := *order
	tracked := *order
	tracked.FilledQuantity = decimal.Zero
	tracked.FilledQuote = decimal.Zero
	tracked.Commission = decimal.Zero
	tracked.BaseCommission = decimal.Zero
	tracked.UnpricedQuote = decimal.Zero
	tracked.Status = domain.OrderStatusNew
	c.order = &tracked

	if err := c.transition(ctx, next, "tick", "order placed", order.OrderID); err != nil {
		return err
	}

	if ack.FilledQuantity.IsPositive() || ack.Status.IsTerminal() {
		ev := domain.FillEvent{
			OrderID:            ack.OrderID,
			Side:               ack.Side,
			Status:             ack.Status,
			CumulativeQuantity: ack.FilledQuantity,
			CumulativeQuote:    ack.FilledQuote,
			Source:             domain.FillSourcePoll,
			Timestamp:          c.timeNow(),
		}
		switch {
		case ack.Commission.IsPositive():
			ev.Commission, ev.CommissionAsset = ack.Commission, c.cfg.QuoteAsset
		case ack.BaseCommission.IsPositive():
			ev.Commission, ev.CommissionAsset = ack.BaseCommission, c.cfg.BaseAsset
		}
		c.applyFill(ctx, ev)
	}
	return nil
}

// executorFailure escalates anything that is not an exchange rejection.
// Transient errors arrive here only after the retry budget is spent.
func (c *Core) executorFailure(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	c.fault(ctx, fmt.Sprintf("%s: %v", op, err))
	return err
}

func (c *Core) fault(ctx context.Context, reason string) {
	prev := c.state
	c.state = domain.StateFaulted
	c.reconciled = false
	c.faultReason = reason
	c.generation++

	c.logger.Error("Controller faulted", zap.String("from", prev.String()), zap.String("reason", reason))
	c.record(ctx, domain.Transition{
		From:    prev,
		To:      domain.StateFaulted,
		Trigger: "fault",
		Reason:  reason,
		OrderID: orderID(c.order),
		At:      c.timeNow(),
	})
	if prev != domain.StateFaulted {
		c.alert(fmt.Sprintf("%s FAULTED (was %s): %s", c.cfg.Symbol, prev, reason))
	}
	c.publish()
}

func (c *Core) alert(msg string) {
	if c.alerter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.alerter.Alert(ctx, msg); err != nil {
			c.logger.Warn("Failed to send alert", zap.Error(err))
		}
	}()
}

func (c *Core) record(ctx context.Context, t domain.Transition) {
	c.telemetry.RecordTransition(ctx, t)
}

func (c *Core) transition(ctx context.Context, to domain.CycleState, trigger, reason, orderID string) error {
	from := c.state
	if !legal(from, to) {
		c.logger.Error("Illegal transition refused",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("trigger", trigger),
		)
		return fmt.Errorf("%s -> %s: %w", from, to, domain.ErrIllegalTransition)
	}
	c.state = to
	c.generation++
	c.logger.Info("State transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("trigger", trigger),
		zap.String("order_id", orderID),
	)
	c.record(ctx, domain.Transition{From: from, To: to, Trigger: trigger, Reason: reason, OrderID: orderID, At: c.timeNow()})
	c.checkInvariants(ctx)
	return nil
}

// HandleFill applies one order update. Events are ignored while the
// controller is Faulted; the next reconciliation supersedes them.
func (c *Core) HandleFill(ctx context.Context, ev domain.FillEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == domain.StateFaulted || !c.reconciled {
		c.logger.Debug("Ignoring fill event until reconciled", zap.String("order_id", ev.OrderID))
		return
	}
	c.applyFill(ctx, ev)
	c.publish()
}

func (c *Core) applyFill(ctx context.Context, ev domain.FillEvent) {
	dec := c.fills.Apply(c.order, c.position, ev)

	switch dec.Kind {
	case FillIgnore:
		c.logger.Debug("Fill event discarded",
			zap.String("order_id", ev.OrderID),
			zap.String("status", string(ev.Status)),
			zap.String("cum_qty", ev.CumulativeQuantity.String()),
			zap.String("reason", dec.Reason),
		)

	case FillAccumulate:
		c.order = dec.Order
		c.logger.Info("Partial fill",
			zap.String("order_id", dec.Order.OrderID),
			zap.String("filled", dec.Order.FilledQuantity.String()),
			zap.String("requested", dec.Order.Quantity.String()),
		)

	case FillBuyComplete:
		c.order = nil
		c.position = dec.Position
		if c.costs != nil {
			if err := c.costs.SavePosition(ctx, c.cfg.Symbol, dec.Position); err != nil {
				c.logger.Warn("Failed to record position", zap.Error(err))
			}
		}
		_ = c.transition(ctx, domain.StateAwaitingSell, "fill", "buy filled", dec.Order.OrderID)

	case FillSellComplete:
		c.order = nil
		c.position = nil
		if c.costs != nil {
			if err := c.costs.ClearPosition(ctx, c.cfg.Symbol); err != nil {
				c.logger.Warn("Failed to clear recorded position", zap.Error(err))
			}
		}
		c.telemetry.RecordTrade(ctx, dec.Trade)
		c.logger.Info("Cycle completed",
			zap.String("trade_id", dec.Trade.ID),
			zap.String("profit", dec.Trade.RealizedProfit.String()),
			zap.String("fees", dec.Trade.FeePaid.String()),
		)
		_ = c.transition(ctx, domain.StateAwaitingBuy, "fill", "sell filled", dec.Order.OrderID)
		c.alert(fmt.Sprintf("%s cycle closed: profit %s %s", c.cfg.Symbol, dec.Trade.RealizedProfit.StringFixed(4), c.cfg.QuoteAsset))

	case FillTerminated:
		side := dec.Order.Side
		c.order = nil
		if ev.Status == domain.OrderStatusRejected {
			c.rejected[side] = dec.Order.Price
		}
		next := domain.StateAwaitingBuy
		if side == domain.SideSell {
			next = domain.StateAwaitingSell
		}
		c.logger.Warn("Order ended without fill", zap.String("order_id", dec.Order.OrderID), zap.String("reason", dec.Reason))
		_ = c.transition(ctx, next, "order_"+strings.ToLower(string(ev.Status)), dec.Reason, dec.Order.OrderID)

	case FillNeedsReconcile:
		c.order = dec.Order
		_ = c.reconcileLocked(ctx, dec.Reason)
	}
}

// PollActiveOrder is the watchdog for missed stream events.
func (c *Core) PollActiveOrder(ctx context.Context) error {
	c.mu.Lock()
	if c.order == nil || c.state == domain.StateFaulted {
		c.mu.Unlock()
		return nil
	}
	ref := domain.OrderRef{OrderID: c.order.OrderID, ClientOrderID: c.order.ClientOrderID}
	c.mu.Unlock()

	report, err := c.exec.GetOrder(ctx, ref)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return c.Reconcile(ctx, "active order not found on exchange")
	}
	if err != nil {
		return fmt.Errorf("poll order %s: %w", ref.OrderID, err)
	}
	c.HandleFill(ctx, domain.FillFromReport(report))
	return nil
}

// CancelActiveOrder is an operator action; the controller itself never
// cancels. The resulting terminal status moves the cycle back to Awaiting*.
func (c *Core) CancelActiveOrder(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.order == nil {
		return domain.ErrNoActiveOrder
	}
	id := c.order.OrderID
	c.logger.Info("Cancelling active order on operator request", zap.String("order_id", id))

	if err := c.exec.CancelOrder(ctx, id); err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) || errors.Is(err, domain.ErrOrderRejected) {
			// already gone; find out how it ended
			return c.reconcileLocked(ctx, "cancel of unknown order")
		}
		return fmt.Errorf("cancel order %s: %w", id, err)
	}

	report, err := c.exec.GetOrder(ctx, domain.OrderRef{OrderID: id})
	if err != nil {
		c.logger.Warn("Cancelled order status unavailable, awaiting stream", zap.Error(err))
		return nil
	}
	c.applyFill(ctx, domain.FillFromReport(report))
	c.publish()
	return nil
}

// checkInvariants faults the controller when memory breaks the cycle rules.
func (c *Core) checkInvariants(ctx context.Context) {
	if c.state == domain.StateFaulted {
		return
	}
	var violation string
	hasPosition := c.position != nil && c.position.Quantity.IsPositive()
	switch {
	case hasPosition != c.state.HoldsPosition():
		violation = fmt.Sprintf("position held=%t in state %s", hasPosition, c.state)
	case c.state == domain.StateBuyPending && (c.order == nil || c.order.Side != domain.SideBuy):
		violation = "buy_pending without open buy order"
	case c.state == domain.StateSellPending && (c.order == nil || c.order.Side != domain.SideSell):
		violation = "sell_pending without open sell order"
	case (c.state == domain.StateAwaitingBuy || c.state == domain.StateAwaitingSell) && c.order != nil:
		violation = fmt.Sprintf("open order %s in state %s", c.order.OrderID, c.state)
	}
	if violation != "" {
		c.fault(ctx, "invariant violated: "+violation)
	}
}

func orderID(o *domain.OpenOrder) string {
	if o == nil {
		return ""
	}
	return o.OrderID
}
