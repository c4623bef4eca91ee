package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleState is the position of the controller within a buy/sell round trip.
type CycleState int

const (
	StateAwaitingBuy CycleState = iota
	StateBuyPending
	StateAwaitingSell
	StateSellPending
	StateFaulted
)

func (s CycleState) String() string {
	switch s {
	case StateAwaitingBuy:
		return "awaiting_buy"
	case StateBuyPending:
		return "buy_pending"
	case StateAwaitingSell:
		return "awaiting_sell"
	case StateSellPending:
		return "sell_pending"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// HoldsPosition reports whether a Position must exist in this state.
func (s CycleState) HoldsPosition() bool {
	return s == StateAwaitingSell || s == StateSellPending
}

// AllStates is used to reset per-state gauges.
var AllStates = []CycleState{StateAwaitingBuy, StateBuyPending, StateAwaitingSell, StateSellPending, StateFaulted}

// ParseCycleState is the inverse of String.
func ParseCycleState(s string) (CycleState, bool) {
	for _, st := range AllStates {
		if st.String() == s {
			return st, true
		}
	}
	return StateAwaitingBuy, false
}

// MarshalText renders the state by name in JSON payloads.
func (s CycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type CostBasisSource string

const (
	CostBasisFill         CostBasisSource = "fill"
	CostBasisRecorded     CostBasisSource = "recorded"
	CostBasisTradeHistory CostBasisSource = "trade_history"
	CostBasisDegraded     CostBasisSource = "degraded"
)

// Position is the base asset held between a filled buy and a filled sell.
// CostBasis is the total quote spent including the buy fee.
type Position struct {
	Quantity   decimal.Decimal `json:"quantity"`
	CostBasis  decimal.Decimal `json:"cost_basis"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	BuyOrderID string          `json:"buy_order_id,omitempty"`
	BuyFee     decimal.Decimal `json:"buy_fee"`
	Source     CostBasisSource `json:"cost_basis_source"`
	AcquiredAt time.Time       `json:"acquired_at"`
}

// EntryPrice is the fee-inclusive cost per unit.
func (p *Position) EntryPrice() decimal.Decimal {
	if p == nil || p.Quantity.IsZero() {
		return decimal.Zero
	}
	return p.CostBasis.Div(p.Quantity)
}

func (p *Position) Degraded() bool {
	return p != nil && p.Source == CostBasisDegraded
}

// OpenOrder is a resting limit order acknowledged by the exchange.
type OpenOrder struct {
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id,omitempty"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	FilledQuote    decimal.Decimal `json:"filled_quote"`
	// Commission is the fee charged in quote, BaseCommission the fee charged
	// in base. UnpricedQuote is the executed quote whose fee was reported in
	// another asset or not at all; its fee is estimated at the fee rate.
	Commission     decimal.Decimal `json:"commission"`
	BaseCommission decimal.Decimal `json:"base_commission"`
	UnpricedQuote  decimal.Decimal `json:"unpriced_quote"`
	Status         OrderStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Remaining is the quantity still to be filled.
func (o *OpenOrder) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// FullyFilled applies the full-fill policy.
func (o *OpenOrder) FullyFilled() bool {
	return o.FilledQuantity.GreaterThanOrEqual(o.Quantity)
}

// AveragePrice is the volume-weighted fill price so far.
func (o *OpenOrder) AveragePrice() decimal.Decimal {
	if o.FilledQuantity.IsZero() {
		return decimal.Zero
	}
	return o.FilledQuote.Div(o.FilledQuantity)
}

// Transition is emitted for every state change.
type Transition struct {
	From    CycleState `json:"from"`
	To      CycleState `json:"to"`
	Trigger string     `json:"trigger"`
	Reason  string     `json:"reason,omitempty"`
	OrderID string     `json:"order_id,omitempty"`
	At      time.Time  `json:"at"`
}

// ReconcileResult is the state derived from exchange truth.
type ReconcileResult struct {
	State        CycleState  `json:"state"`
	Position     *Position   `json:"position,omitempty"`
	OpenOrder    *OpenOrder  `json:"open_order,omitempty"`
	BaseBalance  Balance     `json:"base_balance"`
	QuoteBalance Balance     `json:"quote_balance"`
	Rules        SymbolRules `json:"rules"`
	Notes        []string    `json:"notes,omitempty"`
	At           time.Time   `json:"at"`
}
