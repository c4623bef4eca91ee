package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AdvisoryProposal is an untrusted price suggestion. It is consumed once
// and never treated as authoritative.
type AdvisoryProposal struct {
	BuyPrice   decimal.Decimal `json:"buy_price"`
	SellPrice  decimal.Decimal `json:"sell_price"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
	Model      string          `json:"model,omitempty"`
	ObtainedAt time.Time       `json:"obtained_at"`
	// Stale marks a last-known-good proposal reused after a failed consultation.
	Stale bool `json:"stale"`
}

type AdvisoryKind string

const (
	AdvisoryValid   AdvisoryKind = "valid"
	AdvisoryTimeout AdvisoryKind = "timeout"
	AdvisoryInvalid AdvisoryKind = "invalid"
	AdvisorySkipped AdvisoryKind = "skipped"
)

type AdvisoryOutcome struct {
	Kind     AdvisoryKind      `json:"kind"`
	Proposal *AdvisoryProposal `json:"proposal,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Latency  time.Duration     `json:"latency"`
}

// Usable reports whether the outcome carries a proposal to act on.
func (o AdvisoryOutcome) Usable() bool {
	return o.Kind == AdvisoryValid && o.Proposal != nil
}

// TradingContext is what the advisor is told about our own book.
type TradingContext struct {
	Symbol       string          `json:"symbol"`
	State        CycleState      `json:"state"`
	Position     *Position       `json:"position,omitempty"`
	Breakeven    decimal.Decimal `json:"breakeven_price,omitempty"`
	MinSellPrice decimal.Decimal `json:"min_sell_price,omitempty"`
	FeeRate      decimal.Decimal `json:"fee_rate"`
	BuyNotional  decimal.Decimal `json:"buy_notional"`
}

// AdvisoryRequest is sent to the advisory service.
type AdvisoryRequest struct {
	Snapshot MarketSnapshot `json:"market"`
	Context  TradingContext `json:"context"`
}
