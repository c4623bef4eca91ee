package usecase_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/domain"
)

// fakeExchange is an in-memory spot account for one symbol. It implements
// domain.OrderExecutor and domain.MarketDataFeed.
type fakeExchange struct {
	mu sync.Mutex

	rules     domain.SymbolRules
	balances  map[string]domain.Balance
	open      []domain.OpenOrder
	reports   map[string]*domain.OrderReport
	byClient  map[string]string
	history   []domain.OwnFill
	lastPrice decimal.Decimal

	// placeErrs are returned by successive PlaceLimitOrder calls.
	placeErrs []error
	// landOnError records the order even when a place error is returned,
	// like a request that timed out after reaching the matching engine.
	landOnError bool
	// fillOnPlace fills every new order immediately.
	fillOnPlace bool
	openErr     error
	balanceErr  error
	historyErr  error

	nextID    int
	maxOpen   int
	placed    []domain.OrderRequest
	cancelled []string
	calls     map[string]int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		rules: domain.SymbolRules{
			TickSize:    d("0.01"),
			StepSize:    d("0.001"),
			MinQuantity: d("0.001"),
			MinNotional: d("5"),
		},
		balances: map[string]domain.Balance{
			"USDC":  {Asset: "USDC", Free: d("100")},
			"TRUMP": {Asset: "TRUMP"},
		},
		reports:   make(map[string]*domain.OrderReport),
		byClient:  make(map[string]string),
		lastPrice: d("40"),
		nextID:    1000,
		calls:     make(map[string]int),
	}
}

func (f *fakeExchange) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeExchange) placedOrders() []domain.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrderRequest(nil), f.placed...)
}

func (f *fakeExchange) setBalance(asset, free, locked string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[asset] = domain.Balance{Asset: asset, Free: d(free), Locked: d(locked)}
}

// addOpenOrder seeds an order that exists before the controller starts.
func (f *fakeExchange) addOpenOrder(side domain.Side, qty, price string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(domain.OrderRequest{Side: side, Quantity: d(qty), Price: d(price)})
}

func (f *fakeExchange) addLocked(req domain.OrderRequest) string {
	f.nextID++
	id := strconv.Itoa(f.nextID)
	o := domain.OpenOrder{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        domain.OrderStatusNew,
		CreatedAt:     time.Now(),
	}
	f.open = append(f.open, o)
	if len(f.open) > f.maxOpen {
		f.maxOpen = len(f.open)
	}
	f.reports[id] = &domain.OrderReport{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Status:        domain.OrderStatusNew,
		Price:         req.Price,
		Quantity:      req.Quantity,
		UpdatedAt:     o.CreatedAt,
	}
	if req.ClientOrderID != "" {
		f.byClient[req.ClientOrderID] = id
	}
	return id
}

func (f *fakeExchange) removeOpenLocked(id string) {
	for i, o := range f.open {
		if o.OrderID == id {
			f.open = append(f.open[:i], f.open[i+1:]...)
			return
		}
	}
}

// complete fills an order at its limit price and settles balances.
func (f *fakeExchange) complete(id string) *domain.OrderReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completeLocked(id)
}

func (f *fakeExchange) completeLocked(id string) *domain.OrderReport {
	r := f.reports[id]
	f.executeLocked(r, r.Quantity.Sub(r.CumulativeQuantity))
	r.Status = domain.OrderStatusFilled
	f.removeOpenLocked(id)
	cp := *r
	return &cp
}

// partialFill executes qty of a resting order at its limit price.
func (f *fakeExchange) partialFill(id, qty string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reports[id]
	f.executeLocked(r, d(qty))
	r.Status = domain.OrderStatusPartiallyFilled
	for i := range f.open {
		if f.open[i].OrderID == id {
			f.open[i].Status = r.Status
			f.open[i].FilledQuantity = r.CumulativeQuantity
			f.open[i].FilledQuote = r.CumulativeQuote
		}
	}
}

// executeLocked settles one execution and records it in the trade history
// with a 0.1% quote commission.
func (f *fakeExchange) executeLocked(r *domain.OrderReport, qty decimal.Decimal) {
	quoteAmt := qty.Mul(r.Price)
	r.CumulativeQuantity = r.CumulativeQuantity.Add(qty)
	r.CumulativeQuote = r.CumulativeQuote.Add(quoteAmt)

	base, quote := f.balances["TRUMP"], f.balances["USDC"]
	if r.Side == domain.SideBuy {
		base.Free = base.Free.Add(qty)
		quote.Free = quote.Free.Sub(quoteAmt)
	} else {
		base.Free = base.Free.Sub(qty)
		quote.Free = quote.Free.Add(quoteAmt)
	}
	f.balances["TRUMP"], f.balances["USDC"] = base, quote
	f.history = append(f.history, domain.OwnFill{
		TradeID:         int64(len(f.history) + 1),
		OrderID:         r.OrderID,
		Side:            r.Side,
		Price:           r.Price,
		Quantity:        qty,
		Quote:           quoteAmt,
		Commission:      quoteAmt.Mul(d("0.001")),
		CommissionAsset: "USDC",
		Time:            time.Now(),
	})
}

// dropHistory makes the trade history endpoint fail.
func (f *fakeExchange) dropHistory(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyErr = err
}

func (f *fakeExchange) PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["place"]++
	f.placed = append(f.placed, req)

	var err error
	if len(f.placeErrs) > 0 {
		err, f.placeErrs = f.placeErrs[0], f.placeErrs[1:]
	}
	if err != nil && !f.landOnError {
		return nil, err
	}
	id := f.addLocked(req)
	if err != nil {
		return nil, err
	}
	if f.fillOnPlace {
		r := f.completeLocked(id)
		o := r.OpenOrder()
		return o, nil
	}
	return f.reports[id].OpenOrder(), nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["cancel"]++
	r, ok := f.reports[orderID]
	if !ok || r.Status.IsTerminal() {
		return fmt.Errorf("cancel %s: %w", orderID, domain.ErrOrderNotFound)
	}
	r.Status = domain.OrderStatusCanceled
	f.removeOpenLocked(orderID)
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["open_orders"]++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return append([]domain.OpenOrder(nil), f.open...), nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, ref domain.OrderRef) (*domain.OrderReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_order"]++
	id := ref.OrderID
	if id == "" {
		id = f.byClient[ref.ClientOrderID]
	}
	r, ok := f.reports[id]
	if !ok {
		return nil, fmt.Errorf("order %q: %w", ref.OrderID+ref.ClientOrderID, domain.ErrOrderNotFound)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["balance"]++
	if f.balanceErr != nil {
		return domain.Balance{}, f.balanceErr
	}
	b, ok := f.balances[asset]
	if !ok {
		b = domain.Balance{Asset: asset}
	}
	return b, nil
}

func (f *fakeExchange) GetRecentFills(ctx context.Context, limit int) ([]domain.OwnFill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["fills"]++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]domain.OwnFill(nil), f.history...), nil
}

func (f *fakeExchange) GetSymbolRules(ctx context.Context) (domain.SymbolRules, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["rules"]++
	return f.rules, nil
}

func (f *fakeExchange) GetLastPrice(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrice, nil
}

func (f *fakeExchange) GetCandles(ctx context.Context, interval string, limit int) ([]domain.Candle, error) {
	candles := make([]domain.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		p := 40 + float64(i%5)*0.1
		candles = append(candles, domain.Candle{Time: int64(i) * 60000, Open: p, High: p + 0.05, Low: p - 0.05, Close: p, Volume: 100})
	}
	return candles, nil
}

func (f *fakeExchange) GetOrderBook(ctx context.Context, depth int) (*domain.OrderBook, error) {
	return &domain.OrderBook{
		Symbol: "TRUMPUSDC",
		Bids:   []domain.BookLevel{{Price: d("39.99"), Quantity: d("30")}},
		Asks:   []domain.BookLevel{{Price: d("40.01"), Quantity: d("10")}},
	}, nil
}

type memoryCosts struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
}

func newMemoryCosts() *memoryCosts {
	return &memoryCosts{positions: make(map[string]*domain.Position)}
}

func (m *memoryCosts) SavePosition(ctx context.Context, symbol string, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pos
	m.positions[symbol] = &cp
	return nil
}

func (m *memoryCosts) LoadPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memoryCosts) ClearPosition(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
	return nil
}

type recordingTelemetry struct {
	mu          sync.Mutex
	transitions []domain.Transition
	rejections  []domain.ProposalRejection
	trades      []*domain.TradeRecord
	advisories  []domain.AdvisoryOutcome
}

func (r *recordingTelemetry) RecordTransition(ctx context.Context, t domain.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recordingTelemetry) RecordRejection(ctx context.Context, rej domain.ProposalRejection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections = append(r.rejections, rej)
}

func (r *recordingTelemetry) RecordTrade(ctx context.Context, rec *domain.TradeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, rec)
}

func (r *recordingTelemetry) RecordAdvisory(ctx context.Context, out domain.AdvisoryOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advisories = append(r.advisories, out)
}

func (r *recordingTelemetry) transitionsTo(state domain.CycleState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.transitions {
		if t.To == state {
			n++
		}
	}
	return n
}

func (r *recordingTelemetry) rejectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rejections)
}

func (r *recordingTelemetry) tradeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

type fakeStream struct {
	events  chan domain.StreamEvent
	started chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan domain.StreamEvent, 16), started: make(chan struct{})}
}

func (s *fakeStream) Start(ctx context.Context) error {
	close(s.started)
	return nil
}

func (s *fakeStream) Events() <-chan domain.StreamEvent {
	return s.events
}

type advisorFn func(ctx context.Context, req domain.AdvisoryRequest) (string, error)

func (f advisorFn) Advise(ctx context.Context, req domain.AdvisoryRequest) (string, error) {
	return f(ctx, req)
}
