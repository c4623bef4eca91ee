package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/domain"
	"go.uber.org/zap"
)

type ReconcilerConfig struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	FeeRate    decimal.Decimal
	// HistoryLimit is how many own trades are scanned to recover a cost basis.
	HistoryLimit int
	Retry        RetryConfig
}

// Reconciler derives the controller state from the exchange. It never
// writes to the exchange, so calling it repeatedly is safe.
type Reconciler struct {
	exec   domain.OrderExecutor
	market domain.MarketDataFeed
	costs  domain.CostBasisStore
	cfg    ReconcilerConfig
	logger *zap.Logger
}

func NewReconciler(exec domain.OrderExecutor, market domain.MarketDataFeed, costs domain.CostBasisStore, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	return &Reconciler{
		exec:   exec,
		market: market,
		costs:  costs,
		cfg:    cfg,
		logger: logger.Named("reconciler"),
	}
}

// Reconcile reads open orders and balances and maps them to a state:
// an open buy wins, then a base balance above the minimum quantity (with an
// optional open sell), otherwise AwaitingBuy.
func (r *Reconciler) Reconcile(ctx context.Context) (*domain.ReconcileResult, error) {
	rules, err := r.exec.GetSymbolRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: symbol rules: %w", err)
	}
	orders, err := r.exec.GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: open orders: %w", err)
	}
	base, err := r.exec.GetBalance(ctx, r.cfg.BaseAsset)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %s balance: %w", r.cfg.BaseAsset, err)
	}
	quote, err := r.exec.GetBalance(ctx, r.cfg.QuoteAsset)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %s balance: %w", r.cfg.QuoteAsset, err)
	}

	var buys, sells []domain.OpenOrder
	for _, o := range orders {
		switch o.Side {
		case domain.SideBuy:
			buys = append(buys, o)
		case domain.SideSell:
			sells = append(sells, o)
		}
	}
	if len(buys) > 1 || len(sells) > 1 || (len(buys) > 0 && len(sells) > 0) {
		return nil, fmt.Errorf("%w: %d open buy and %d open sell orders on %s",
			domain.ErrAmbiguousExchangeState, len(buys), len(sells), r.cfg.Symbol)
	}

	res := &domain.ReconcileResult{
		State:        domain.StateAwaitingBuy,
		BaseBalance:  base,
		QuoteBalance: quote,
		Rules:        rules,
		At:           time.Now(),
	}

	held := base.Total()
	hasBase := held.IsPositive() && held.GreaterThanOrEqual(rules.MinQuantity)

	if len(buys) == 1 {
		order := buys[0]
		r.adoptFees(ctx, &order)
		// A resting buy plus base balance is treated as a partially filled
		// buy: the balance belongs to the order, and the controller never
		// holds a position while a buy is open.
		res.State = domain.StateBuyPending
		res.OpenOrder = &order
		if hasBase {
			res.Notes = append(res.Notes, fmt.Sprintf("base balance %s attributed to in-flight buy %s", held, order.OrderID))
		}
		return res, nil
	}

	if hasBase {
		qty := held
		if len(sells) == 1 && sells[0].Quantity.GreaterThan(qty) {
			// part of the sell already executed
			qty = sells[0].Quantity
		}
		pos, notes, err := r.recoverPosition(ctx, qty, rules)
		if err != nil {
			return nil, err
		}
		res.Notes = append(res.Notes, notes...)

		if len(sells) == 1 {
			order := sells[0]
			r.adoptFees(ctx, &order)
			res.State = domain.StateSellPending
			res.OpenOrder = &order
			res.Position = pos
			return res, nil
		}

		if !rules.Tradable(rules.RoundQuantityDown(pos.Quantity), pos.EntryPrice()) {
			res.Notes = append(res.Notes, fmt.Sprintf("base balance %s below minimum notional, ignored as dust", held))
			return res, nil
		}
		res.State = domain.StateAwaitingSell
		res.Position = pos
		return res, nil
	}

	if len(sells) == 1 {
		// a sell is resting but the balance is gone; only possible if the
		// locked amount is below the minimum quantity
		return nil, fmt.Errorf("%w: open sell %s without base balance", domain.ErrAmbiguousExchangeState, sells[0].OrderID)
	}

	if held.IsPositive() {
		res.Notes = append(res.Notes, fmt.Sprintf("base dust %s below minimum quantity %s", held, rules.MinQuantity))
	}
	return res, nil
}

// recoverPosition rebuilds cost basis for qty: recorded position first,
// then recent own buy fills, else a degraded estimate from the market price.
func (r *Reconciler) recoverPosition(ctx context.Context, qty decimal.Decimal, rules domain.SymbolRules) (*domain.Position, []string, error) {
	var notes []string

	if r.costs != nil {
		rec, err := r.costs.LoadPosition(ctx, r.cfg.Symbol)
		if err != nil {
			r.logger.Warn("Failed to load recorded position", zap.Error(err))
		} else if rec != nil && quantityMatches(rec.Quantity, qty, rules.StepSize) {
			pos := *rec
			pos.Quantity = qty
			if pos.Source != domain.CostBasisDegraded {
				pos.Source = domain.CostBasisRecorded
			}
			return &pos, notes, nil
		} else if rec != nil {
			notes = append(notes, fmt.Sprintf("recorded position quantity %s does not match balance %s", rec.Quantity, qty))
		}
	}

	fills, err := r.exec.GetRecentFills(ctx, r.cfg.HistoryLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile: trade history: %w", err)
	}
	if pos := r.positionFromFills(fills, qty); pos != nil {
		return pos, notes, nil
	}

	price, err := r.market.GetLastPrice(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile: last price for degraded cost basis: %w", err)
	}
	notes = append(notes, "no own buy fills in history, cost basis degraded to market price")
	one := decimal.NewFromInt(1)
	return &domain.Position{
		Quantity:  qty,
		CostBasis: price.Mul(qty).Mul(one.Add(r.cfg.FeeRate)),
		BuyPrice:  price,
		BuyFee:    price.Mul(qty).Mul(r.cfg.FeeRate),
		Source:    domain.CostBasisDegraded,
	}, notes, nil
}

// positionFromFills prices qty at the volume-weighted, fee-inclusive cost
// of the newest buy fills that cover it.
func (r *Reconciler) positionFromFills(fills []domain.OwnFill, qty decimal.Decimal) *domain.Position {
	buys := make([]domain.OwnFill, 0, len(fills))
	for _, f := range fills {
		if f.Side == domain.SideBuy && f.Quantity.IsPositive() {
			buys = append(buys, f)
		}
	}
	if len(buys) == 0 {
		return nil
	}
	sort.SliceStable(buys, func(i, j int) bool {
		if buys[i].Time.Equal(buys[j].Time) {
			return buys[i].TradeID > buys[j].TradeID
		}
		return buys[i].Time.After(buys[j].Time)
	})

	var covered, quoteSpent, fees decimal.Decimal
	var orderID string
	for _, f := range buys {
		if covered.GreaterThanOrEqual(qty) {
			break
		}
		quoteAmt := f.Quote
		if quoteAmt.IsZero() {
			quoteAmt = f.Price.Mul(f.Quantity)
		}
		covered = covered.Add(f.Quantity)
		quoteSpent = quoteSpent.Add(quoteAmt)
		fees = fees.Add(r.feeInQuote(f.Commission, f.CommissionAsset, f.Price, quoteAmt))
		if orderID == "" {
			orderID = f.OrderID
		}
	}

	perUnit := quoteSpent.Add(fees).Div(covered)
	return &domain.Position{
		Quantity:   qty,
		CostBasis:  perUnit.Mul(qty),
		BuyPrice:   quoteSpent.Div(covered),
		BuyFee:     fees.Mul(qty).Div(covered),
		BuyOrderID: orderID,
		Source:     domain.CostBasisTradeHistory,
		AcquiredAt: buys[0].Time,
	}
}

// feeInQuote converts a commission to quote currency; commissions in a third
// asset are estimated at the configured fee rate.
func (r *Reconciler) feeInQuote(commission decimal.Decimal, asset string, price, quoteAmt decimal.Decimal) decimal.Decimal {
	switch asset {
	case r.cfg.QuoteAsset:
		return commission
	case r.cfg.BaseAsset:
		return commission.Mul(price)
	default:
		return quoteAmt.Mul(r.cfg.FeeRate)
	}
}

// adoptFees fills in the commission already paid on an adopted order from
// its own trades. Quote the history does not cover is left for the fee rate
// estimate.
func (r *Reconciler) adoptFees(ctx context.Context, o *domain.OpenOrder) {
	if !o.FilledQuantity.IsPositive() {
		return
	}
	if o.FilledQuote.IsZero() {
		o.FilledQuote = o.FilledQuantity.Mul(o.Price)
	}

	fills, err := r.exec.GetRecentFills(ctx, r.cfg.HistoryLimit)
	if err != nil {
		r.logger.Warn("Failed to load fills of adopted order, estimating fees",
			zap.String("order_id", o.OrderID), zap.Error(err))
		o.UnpricedQuote = o.FilledQuote
		return
	}

	var covered decimal.Decimal
	for _, f := range fills {
		if f.OrderID != o.OrderID || !f.Quantity.IsPositive() {
			continue
		}
		quoteAmt := f.Quote
		if quoteAmt.IsZero() {
			quoteAmt = f.Price.Mul(f.Quantity)
		}
		covered = covered.Add(quoteAmt)
		switch f.CommissionAsset {
		case r.cfg.QuoteAsset:
			o.Commission = o.Commission.Add(f.Commission)
		case r.cfg.BaseAsset:
			o.BaseCommission = o.BaseCommission.Add(f.Commission)
		default:
			o.UnpricedQuote = o.UnpricedQuote.Add(quoteAmt)
		}
	}
	if rest := o.FilledQuote.Sub(covered); rest.IsPositive() {
		o.UnpricedQuote = o.UnpricedQuote.Add(rest)
	}
}

func quantityMatches(a, b, step decimal.Decimal) bool {
	tolerance := step
	if !tolerance.IsPositive() {
		tolerance = decimal.New(1, -8)
	}
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// ReconcileWithRetry retries transient failures with exponential backoff.
// Ambiguous exchange state and unrecoverable errors are returned at once.
func (r *Reconciler) ReconcileWithRetry(ctx context.Context) (*domain.ReconcileResult, error) {
	return backoff.Retry(ctx, func() (*domain.ReconcileResult, error) {
		res, err := r.Reconcile(ctx)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, domain.ErrAmbiguousExchangeState) || errors.Is(err, domain.ErrUnrecoverable) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(r.cfg.Retry.newBackOff()),
		backoff.WithMaxTries(r.cfg.Retry.attempts()),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("Reconciliation failed, retrying", zap.Duration("next", next), zap.Error(err))
		}),
	)
}
