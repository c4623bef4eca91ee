package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderExecutor is the exchange as the source of truth for orders and balances.
type OrderExecutor interface {
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (*OpenOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOpenOrders(ctx context.Context) ([]OpenOrder, error)
	GetOrder(ctx context.Context, ref OrderRef) (*OrderReport, error)
	GetBalance(ctx context.Context, asset string) (Balance, error)
	GetRecentFills(ctx context.Context, limit int) ([]OwnFill, error)
	GetSymbolRules(ctx context.Context) (SymbolRules, error)
}

// FillStream pushes order updates. Reconnection is the stream's concern;
// it sends StreamEventConnected after every successful connect.
type FillStream interface {
	Start(ctx context.Context) error
	Events() <-chan StreamEvent
}

// MarketDataFeed is a read-only market source for the traded pair.
type MarketDataFeed interface {
	GetLastPrice(ctx context.Context) (decimal.Decimal, error)
	GetCandles(ctx context.Context, interval string, limit int) ([]Candle, error)
	GetOrderBook(ctx context.Context, depth int) (*OrderBook, error)
}

// Advisor returns the raw model answer for a request.
type Advisor interface {
	Advise(ctx context.Context, req AdvisoryRequest) (string, error)
}

// TelemetrySink receives controller output. Implementations must not block
// for long; errors are theirs to log.
type TelemetrySink interface {
	RecordTransition(ctx context.Context, t Transition)
	RecordRejection(ctx context.Context, r ProposalRejection)
	RecordTrade(ctx context.Context, rec *TradeRecord)
	RecordAdvisory(ctx context.Context, out AdvisoryOutcome)
}

// TradeRepository stores trade history and controller audit rows.
type TradeRepository interface {
	SaveTrade(ctx context.Context, rec *TradeRecord) error
	ListTrades(ctx context.Context, limit int) ([]*TradeRecord, error)
	SaveTransition(ctx context.Context, t Transition) error
	SaveRejection(ctx context.Context, r ProposalRejection) error
}

// CostBasisStore remembers the open position so a restart can recover
// its cost basis.
type CostBasisStore interface {
	SavePosition(ctx context.Context, symbol string, pos *Position) error
	LoadPosition(ctx context.Context, symbol string) (*Position, error)
	ClearPosition(ctx context.Context, symbol string) error
}

type Alerter interface {
	Alert(ctx context.Context, msg string) error
}
