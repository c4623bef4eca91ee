package usecase

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/domain"
)

type FillDecisionKind int

const (
	// FillIgnore: unknown order, duplicate or out-of-order event.
	FillIgnore FillDecisionKind = iota
	// FillAccumulate: partial fill recorded, no transition.
	FillAccumulate
	FillBuyComplete
	FillSellComplete
	// FillTerminated: cancelled, rejected or expired with nothing filled.
	FillTerminated
	// FillNeedsReconcile: the outcome cannot be derived locally, for example
	// a cancel after a partial fill.
	FillNeedsReconcile
)

func (k FillDecisionKind) String() string {
	switch k {
	case FillIgnore:
		return "ignore"
	case FillAccumulate:
		return "accumulate"
	case FillBuyComplete:
		return "buy_complete"
	case FillSellComplete:
		return "sell_complete"
	case FillTerminated:
		return "terminated"
	case FillNeedsReconcile:
		return "needs_reconcile"
	}
	return "unknown"
}

type FillDecision struct {
	Kind FillDecisionKind
	// Order is the updated copy of the tracked order.
	Order    *domain.OpenOrder
	Position *domain.Position
	Trade    *domain.TradeRecord
	Reason   string
}

// FillProcessor turns order updates into decisions. It never mutates its
// inputs; the caller applies the decision under its transition lock.
type FillProcessor struct {
	symbol     string
	baseAsset  string
	quoteAsset string
	feeRate    decimal.Decimal
	newID      func() string
	timeNow    func() time.Time
}

func NewFillProcessor(symbol, baseAsset, quoteAsset string, feeRate decimal.Decimal) *FillProcessor {
	return &FillProcessor{
		symbol:     symbol,
		baseAsset:  baseAsset,
		quoteAsset: quoteAsset,
		feeRate:    feeRate,
		newID:      uuid.NewString,
		timeNow:    time.Now,
	}
}

func (p *FillProcessor) matches(order *domain.OpenOrder, ev domain.FillEvent) bool {
	if order == nil {
		return false
	}
	if ev.OrderID != "" && ev.OrderID == order.OrderID {
		return true
	}
	return ev.OrderID == "" && ev.ClientOrderID != "" && ev.ClientOrderID == order.ClientOrderID
}

// Apply evaluates ev against the tracked order. Events are keyed by
// (order id, cumulative quantity): anything that does not advance the
// cumulative fill and carries no terminal status is discarded.
func (p *FillProcessor) Apply(order *domain.OpenOrder, pos *domain.Position, ev domain.FillEvent) FillDecision {
	if !p.matches(order, ev) {
		return FillDecision{Kind: FillIgnore, Reason: "event for untracked order"}
	}
	if ev.CumulativeQuantity.LessThan(order.FilledQuantity) {
		return FillDecision{Kind: FillIgnore, Reason: "out-of-order event"}
	}
	advanced := ev.CumulativeQuantity.GreaterThan(order.FilledQuantity)
	if !advanced && !ev.Status.IsTerminal() {
		return FillDecision{Kind: FillIgnore, Reason: "duplicate event"}
	}

	updated := *order
	updated.Status = ev.Status
	if advanced {
		p.accumulate(&updated, order, ev)
	}

	full := updated.FullyFilled() || (ev.Status == domain.OrderStatusFilled && updated.FilledQuantity.IsPositive())
	switch {
	case full:
		if updated.Side == domain.SideBuy {
			return FillDecision{Kind: FillBuyComplete, Order: &updated, Position: p.position(&updated, ev)}
		}
		if pos == nil || !pos.Quantity.IsPositive() {
			return FillDecision{Kind: FillNeedsReconcile, Order: &updated, Reason: "sell filled without tracked position"}
		}
		return FillDecision{Kind: FillSellComplete, Order: &updated, Trade: p.trade(&updated, pos, ev)}
	case ev.Status.IsTerminal():
		if updated.FilledQuantity.IsPositive() {
			return FillDecision{Kind: FillNeedsReconcile, Order: &updated, Reason: string(ev.Status) + " after partial fill"}
		}
		reason := string(ev.Status)
		if ev.Reason != "" {
			reason += ": " + ev.Reason
		}
		return FillDecision{Kind: FillTerminated, Order: &updated, Reason: reason}
	default:
		return FillDecision{Kind: FillAccumulate, Order: &updated, Reason: "partial fill"}
	}
}

func (p *FillProcessor) accumulate(updated, prev *domain.OpenOrder, ev domain.FillEvent) {
	delta := ev.CumulativeQuantity.Sub(prev.FilledQuantity)
	updated.FilledQuantity = ev.CumulativeQuantity

	var deltaQuote decimal.Decimal
	switch {
	case ev.CumulativeQuote.IsPositive():
		deltaQuote = ev.CumulativeQuote.Sub(prev.FilledQuote)
		updated.FilledQuote = ev.CumulativeQuote
	case ev.LastQuantity.IsPositive() && ev.LastPrice.IsPositive():
		// the last execution only accounts for part of the delta when
		// earlier events were missed; the rest is priced at the limit
		deltaQuote = ev.LastPrice.Mul(ev.LastQuantity)
		if missed := delta.Sub(ev.LastQuantity); missed.IsPositive() {
			deltaQuote = deltaQuote.Add(missed.Mul(prev.Price))
		}
		updated.FilledQuote = prev.FilledQuote.Add(deltaQuote)
	default:
		deltaQuote = delta.Mul(prev.Price)
		updated.FilledQuote = prev.FilledQuote.Add(deltaQuote)
	}

	switch {
	case ev.CommissionAsset == p.quoteAsset && ev.CommissionAsset != "":
		updated.Commission = prev.Commission.Add(ev.Commission)
		updated.UnpricedQuote = prev.UnpricedQuote.Add(missedQuote(delta, deltaQuote, prev, ev))
	case ev.CommissionAsset == p.baseAsset && ev.CommissionAsset != "":
		updated.BaseCommission = prev.BaseCommission.Add(ev.Commission)
		updated.UnpricedQuote = prev.UnpricedQuote.Add(missedQuote(delta, deltaQuote, prev, ev))
	default:
		updated.UnpricedQuote = prev.UnpricedQuote.Add(deltaQuote)
	}
}

// missedQuote is the part of deltaQuote executed by events we never saw.
// Their commission is unknown, so it is estimated at the fee rate.
func missedQuote(delta, deltaQuote decimal.Decimal, prev *domain.OpenOrder, ev domain.FillEvent) decimal.Decimal {
	if !ev.LastQuantity.IsPositive() || !delta.GreaterThan(ev.LastQuantity) {
		return decimal.Zero
	}
	price := ev.LastPrice
	if !price.IsPositive() {
		price = prev.Price
	}
	missed := deltaQuote.Sub(price.Mul(ev.LastQuantity))
	if !missed.IsPositive() {
		return delta.Sub(ev.LastQuantity).Mul(prev.Price)
	}
	return missed
}

// fees returns the quote fee that adds to cost (or reduces proceeds) and
// the total fee paid in quote terms.
func (p *FillProcessor) fees(o *domain.OpenOrder) (costFee, totalFee decimal.Decimal) {
	costFee = o.Commission.Add(o.UnpricedQuote.Mul(p.feeRate))
	totalFee = costFee.Add(o.BaseCommission.Mul(o.AveragePrice()))
	return costFee, totalFee
}

func (p *FillProcessor) position(o *domain.OpenOrder, ev domain.FillEvent) *domain.Position {
	costFee, totalFee := p.fees(o)
	acquired := ev.Timestamp
	if acquired.IsZero() {
		acquired = p.timeNow()
	}
	return &domain.Position{
		// base commission is taken out of the bought quantity
		Quantity:   o.FilledQuantity.Sub(o.BaseCommission),
		CostBasis:  o.FilledQuote.Add(costFee),
		BuyPrice:   o.AveragePrice(),
		BuyOrderID: o.OrderID,
		BuyFee:     totalFee,
		Source:     domain.CostBasisFill,
		AcquiredAt: acquired,
	}
}

func (p *FillProcessor) trade(o *domain.OpenOrder, pos *domain.Position, ev domain.FillEvent) *domain.TradeRecord {
	costFee, totalFee := p.fees(o)
	// base commission on a sell is paid out of the remaining balance
	proceeds := o.FilledQuote.Sub(costFee)
	closed := ev.Timestamp
	if closed.IsZero() {
		closed = p.timeNow()
	}
	return &domain.TradeRecord{
		ID:                p.newID(),
		Symbol:            p.symbol,
		BuyOrderID:        pos.BuyOrderID,
		BuyPrice:          pos.BuyPrice,
		BuyQuantity:       pos.Quantity,
		SellOrderID:       o.OrderID,
		SellPrice:         o.AveragePrice(),
		SellQuantity:      o.FilledQuantity,
		CostBasis:         pos.CostBasis,
		Proceeds:          proceeds,
		FeePaid:           pos.BuyFee.Add(totalFee),
		RealizedProfit:    proceeds.Sub(pos.CostBasis),
		CostBasisDegraded: pos.Degraded(),
		OpenedAt:          pos.AcquiredAt,
		ClosedAt:          closed,
	}
}
