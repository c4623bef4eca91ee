package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is one completed cycle. Immutable once written.
type TradeRecord struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	BuyOrderID        string          `json:"buy_order_id"`
	BuyPrice          decimal.Decimal `json:"buy_price"`
	BuyQuantity       decimal.Decimal `json:"buy_quantity"`
	SellOrderID       string          `json:"sell_order_id"`
	SellPrice         decimal.Decimal `json:"sell_price"`
	SellQuantity      decimal.Decimal `json:"sell_quantity"`
	CostBasis         decimal.Decimal `json:"cost_basis"`
	Proceeds          decimal.Decimal `json:"proceeds"`
	FeePaid           decimal.Decimal `json:"fee_paid"`
	RealizedProfit    decimal.Decimal `json:"realized_profit"`
	CostBasisDegraded bool            `json:"cost_basis_degraded"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          time.Time       `json:"closed_at"`
}

// ProposalRejection records a proposal that was not acted on.
type ProposalRejection struct {
	Side          Side            `json:"side"`
	ProposedPrice decimal.Decimal `json:"proposed_price"`
	MinimumPrice  decimal.Decimal `json:"minimum_price"`
	Confidence    float64         `json:"confidence"`
	Reason        string          `json:"reason"`
	At            time.Time       `json:"at"`
}

// TradeSummary aggregates completed cycles.
type TradeSummary struct {
	Trades         int             `json:"trades"`
	Wins           int             `json:"wins"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	FeesPaid       decimal.Decimal `json:"fees_paid"`
	Volume         decimal.Decimal `json:"volume"`
}

func Summarize(records []*TradeRecord) TradeSummary {
	var s TradeSummary
	for _, r := range records {
		s.Trades++
		if r.RealizedProfit.IsPositive() {
			s.Wins++
		}
		s.RealizedProfit = s.RealizedProfit.Add(r.RealizedProfit)
		s.FeesPaid = s.FeesPaid.Add(r.FeePaid)
		s.Volume = s.Volume.Add(r.CostBasis).Add(r.Proceeds)
	}
	return s
}
