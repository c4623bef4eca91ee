package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/domain"
	"go.uber.org/zap"
)

const (
	BinanceBaseURL = "https://api.binance.com"
	BinanceWSURL   = "wss://stream.binance.com:9443/ws"

	rulesTTL = time.Hour
)

type BinanceConfig struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	RecvWindow int64
}

// BinanceAdapter is the spot REST side: orders, balances, fills, market data.
type BinanceAdapter struct {
	client *binance.Client
	cfg    BinanceConfig
	logger *zap.Logger

	mu          sync.Mutex
	rules       domain.SymbolRules
	rulesLoaded time.Time
}

func NewBinanceAdapter(cfg BinanceConfig, logger *zap.Logger) *BinanceAdapter {
	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}
	return &BinanceAdapter{
		client: client,
		cfg:    cfg,
		logger: logger.Named("binance"),
	}
}

// Client exposes the underlying REST client for the user stream.
func (b *BinanceAdapter) Client() *binance.Client {
	return b.client
}

// SyncTime aligns request timestamps with the server clock.
func (b *BinanceAdapter) SyncTime(ctx context.Context) error {
	offset, err := b.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return classify("sync time", err)
	}
	b.logger.Info("Server time synced", zap.Int64("offset_ms", offset))
	return nil
}

func (b *BinanceAdapter) recvWindow() binance.RequestOption {
	return binance.WithRecvWindow(b.cfg.RecvWindow)
}

// --- OrderExecutor ---

func (b *BinanceAdapter) PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OpenOrder, error) {
	side := binance.SideTypeBuy
	if req.Side == domain.SideSell {
		side = binance.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(b.cfg.Symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(req.Quantity.String()).
		Price(req.Price.String()).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx, b.recvWindow())
	if err != nil {
		return nil, classify("place order", err)
	}

	order := &domain.OpenOrder{
		OrderID:        strconv.FormatInt(res.OrderID, 10),
		ClientOrderID:  res.ClientOrderID,
		Side:           req.Side,
		Quantity:       parseDecimal(res.OrigQuantity),
		Price:          parseDecimal(res.Price),
		FilledQuantity: parseDecimal(res.ExecutedQuantity),
		FilledQuote:    parseDecimal(res.CummulativeQuoteQuantity),
		Status:         domain.OrderStatus(res.Status),
		CreatedAt:      msTime(res.TransactTime),
	}
	for _, f := range res.Fills {
		switch f.CommissionAsset {
		case b.cfg.QuoteAsset:
			order.Commission = order.Commission.Add(parseDecimal(f.Commission))
		case b.cfg.BaseAsset:
			order.BaseCommission = order.BaseCommission.Add(parseDecimal(f.Commission))
		default:
			order.UnpricedQuote = order.UnpricedQuote.Add(parseDecimal(f.Price).Mul(parseDecimal(f.Quantity)))
		}
	}

	b.logger.Info("Order placed",
		zap.String("order_id", order.OrderID),
		zap.String("side", string(req.Side)),
		zap.String("price", order.Price.String()),
		zap.String("quantity", order.Quantity.String()),
		zap.String("status", string(order.Status)),
	)
	return order, nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad order id %q", domain.ErrOrderNotFound, orderID)
	}
	if _, err := b.client.NewCancelOrderService().Symbol(b.cfg.Symbol).OrderID(id).Do(ctx, b.recvWindow()); err != nil {
		return classify("cancel order", err)
	}
	b.logger.Info("Order cancelled", zap.String("order_id", orderID))
	return nil
}

func (b *BinanceAdapter) GetOpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(b.cfg.Symbol).Do(ctx, b.recvWindow())
	if err != nil {
		return nil, classify("open orders", err)
	}
	out := make([]domain.OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, *toReport(o).OpenOrder())
	}
	return out, nil
}

func (b *BinanceAdapter) GetOrder(ctx context.Context, ref domain.OrderRef) (*domain.OrderReport, error) {
	svc := b.client.NewGetOrderService().Symbol(b.cfg.Symbol)
	switch {
	case ref.OrderID != "":
		id, err := strconv.ParseInt(ref.OrderID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad order id %q", domain.ErrOrderNotFound, ref.OrderID)
		}
		svc = svc.OrderID(id)
	case ref.ClientOrderID != "":
		svc = svc.OrigClientOrderID(ref.ClientOrderID)
	default:
		return nil, fmt.Errorf("%w: empty order reference", domain.ErrOrderNotFound)
	}

	o, err := svc.Do(ctx, b.recvWindow())
	if err != nil {
		return nil, classify("get order", err)
	}
	return toReport(o), nil
}

func (b *BinanceAdapter) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	acc, err := b.client.NewGetAccountService().Do(ctx, b.recvWindow())
	if err != nil {
		return domain.Balance{}, classify("account", err)
	}
	for _, bal := range acc.Balances {
		if bal.Asset == asset {
			return domain.Balance{
				Asset:  asset,
				Free:   parseDecimal(bal.Free),
				Locked: parseDecimal(bal.Locked),
			}, nil
		}
	}
	return domain.Balance{Asset: asset}, nil
}

// GetRecentFills returns our trades on the pair, oldest first.
func (b *BinanceAdapter) GetRecentFills(ctx context.Context, limit int) ([]domain.OwnFill, error) {
	svc := b.client.NewListTradesService().Symbol(b.cfg.Symbol)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	trades, err := svc.Do(ctx, b.recvWindow())
	if err != nil {
		return nil, classify("trade history", err)
	}
	out := make([]domain.OwnFill, 0, len(trades))
	for _, t := range trades {
		side := domain.SideSell
		if t.IsBuyer {
			side = domain.SideBuy
		}
		out = append(out, domain.OwnFill{
			TradeID:         t.ID,
			OrderID:         strconv.FormatInt(t.OrderID, 10),
			Side:            side,
			Price:           parseDecimal(t.Price),
			Quantity:        parseDecimal(t.Quantity),
			Quote:           parseDecimal(t.QuoteQuantity),
			Commission:      parseDecimal(t.Commission),
			CommissionAsset: t.CommissionAsset,
			Time:            msTime(t.Time),
		})
	}
	return out, nil
}

// GetSymbolRules reads the pair filters, cached for an hour.
func (b *BinanceAdapter) GetSymbolRules(ctx context.Context) (domain.SymbolRules, error) {
	b.mu.Lock()
	if !b.rulesLoaded.IsZero() && time.Since(b.rulesLoaded) < rulesTTL {
		rules := b.rules
		b.mu.Unlock()
		return rules, nil
	}
	b.mu.Unlock()

	info, err := b.client.NewExchangeInfoService().Symbol(b.cfg.Symbol).Do(ctx)
	if err != nil {
		return domain.SymbolRules{}, classify("exchange info", err)
	}

	var rules domain.SymbolRules
	found := false
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != b.cfg.Symbol {
			continue
		}
		found = true
		if f := s.PriceFilter(); f != nil {
			rules.TickSize = parseDecimal(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			rules.StepSize = parseDecimal(f.StepSize)
			rules.MinQuantity = parseDecimal(f.MinQuantity)
		}
		rules.MinNotional = minNotional(s.Filters)
	}
	if !found {
		return domain.SymbolRules{}, fmt.Errorf("%w: symbol %s not listed", domain.ErrUnrecoverable, b.cfg.Symbol)
	}

	b.mu.Lock()
	b.rules = rules
	b.rulesLoaded = time.Now()
	b.mu.Unlock()
	return rules, nil
}

// minNotional reads NOTIONAL, falling back to the older MIN_NOTIONAL filter.
func minNotional(filters []map[string]interface{}) decimal.Decimal {
	var legacy decimal.Decimal
	for _, f := range filters {
		v, _ := f["minNotional"].(string)
		switch f["filterType"] {
		case "NOTIONAL":
			return parseDecimal(v)
		case "MIN_NOTIONAL":
			legacy = parseDecimal(v)
		}
	}
	return legacy
}

// --- MarketDataFeed ---

func (b *BinanceAdapter) GetLastPrice(ctx context.Context) (decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Symbol(b.cfg.Symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, classify("ticker price", err)
	}
	for _, p := range prices {
		if p.Symbol == b.cfg.Symbol {
			return parseDecimal(p.Price), nil
		}
	}
	return decimal.Zero, fmt.Errorf("no price for %s", b.cfg.Symbol)
}

func (b *BinanceAdapter) GetCandles(ctx context.Context, interval string, limit int) ([]domain.Candle, error) {
	klines, err := b.client.NewKlinesService().Symbol(b.cfg.Symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("klines", err)
	}
	candles := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePrice, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)
		candles = append(candles, domain.Candle{
			Time:   k.OpenTime,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}
	return candles, nil
}

func (b *BinanceAdapter) GetOrderBook(ctx context.Context, depth int) (*domain.OrderBook, error) {
	res, err := b.client.NewDepthService().Symbol(b.cfg.Symbol).Limit(depth).Do(ctx)
	if err != nil {
		return nil, classify("depth", err)
	}
	book := &domain.OrderBook{Symbol: b.cfg.Symbol}
	for _, l := range res.Bids {
		book.Bids = append(book.Bids, domain.BookLevel{Price: parseDecimal(l.Price), Quantity: parseDecimal(l.Quantity)})
	}
	for _, l := range res.Asks {
		book.Asks = append(book.Asks, domain.BookLevel{Price: parseDecimal(l.Price), Quantity: parseDecimal(l.Quantity)})
	}
	return book, nil
}

// --- helpers ---

func toReport(o *binance.Order) *domain.OrderReport {
	side := domain.SideBuy
	if o.Side == binance.SideTypeSell {
		side = domain.SideSell
	}
	updated := o.UpdateTime
	if updated == 0 {
		updated = o.Time
	}
	return &domain.OrderReport{
		OrderID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:      o.ClientOrderID,
		Side:               side,
		Status:             domain.OrderStatus(o.Status),
		Price:              parseDecimal(o.Price),
		Quantity:           parseDecimal(o.OrigQuantity),
		CumulativeQuantity: parseDecimal(o.ExecutedQuantity),
		CumulativeQuote:    parseDecimal(o.CummulativeQuoteQuantity),
		UpdatedAt:          msTime(updated),
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Binance error codes, grouped by how the controller must react.
var (
	transientCodes = map[int64]bool{
		-1000: true, // unknown
		-1001: true, // disconnected
		-1003: true, // too many requests
		-1006: true, // unexpected response
		-1007: true, // timeout
		-1015: true, // too many orders
		-1021: true, // timestamp outside recv window
	}
	rejectedCodes = map[int64]bool{
		-1013: true, // filter failure
		-1100: true, // illegal characters
		-1111: true, // bad precision
		-2010: true, // new order rejected
		-2011: true, // cancel rejected
	}
	unrecoverableCodes = map[int64]bool{
		-1022: true, // invalid signature
		-2014: true, // bad api key format
		-2015: true, // invalid key, ip or permissions
	}
)

const codeNoSuchOrder = -2013

// classify maps a client error onto the domain sentinels.
func classify(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == codeNoSuchOrder:
			return fmt.Errorf("%s: %w: %s", op, domain.ErrOrderNotFound, apiErr.Message)
		case apiErr.Code == 0 || transientCodes[apiErr.Code]:
			// code 0 is an unparsed body, usually a 5xx
			return fmt.Errorf("%s: %w: %v", op, domain.ErrTransient, apiErr)
		case rejectedCodes[apiErr.Code]:
			return fmt.Errorf("%s: %w: %v", op, domain.ErrOrderRejected, apiErr)
		case unrecoverableCodes[apiErr.Code]:
			return fmt.Errorf("%s: %w: %v", op, domain.ErrUnrecoverable, apiErr)
		default:
			return fmt.Errorf("%s: %w: %v", op, domain.ErrOrderRejected, apiErr)
		}
	}
	// network, timeouts and undecodable responses
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransient, err)
}
