package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type OrderBook struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

type Indicators struct {
	RSI14      float64 `json:"rsi_14"`
	MA5        float64 `json:"ma_5"`
	MA20       float64 `json:"ma_20"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	Trend      string  `json:"trend"`
}

// MarketSnapshot is the advisory input for one tick.
type MarketSnapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Candles   []Candle        `json:"candles"`
	Bids      []BookLevel     `json:"bids"`
	Asks      []BookLevel     `json:"asks"`
	Imbalance float64         `json:"order_book_imbalance"`
	// VolatilitySpread is the stdev of close-to-close returns.
	VolatilitySpread float64        `json:"volatility_spread"`
	Indicators       Indicators     `json:"indicators"`
	Signals          map[string]any `json:"signals,omitempty"`
	TakenAt          time.Time      `json:"taken_at"`
}

// SymbolRules are the exchange trading filters for the pair.
type SymbolRules struct {
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

func roundDownTo(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

func roundUpTo(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

func (r SymbolRules) RoundPriceDown(p decimal.Decimal) decimal.Decimal {
	return roundDownTo(p, r.TickSize)
}

func (r SymbolRules) RoundPriceUp(p decimal.Decimal) decimal.Decimal {
	return roundUpTo(p, r.TickSize)
}

func (r SymbolRules) RoundQuantityDown(q decimal.Decimal) decimal.Decimal {
	return roundDownTo(q, r.StepSize)
}

// Tradable reports whether qty at price passes the quantity and notional filters.
func (r SymbolRules) Tradable(qty, price decimal.Decimal) bool {
	if qty.Sign() <= 0 || qty.LessThan(r.MinQuantity) {
		return false
	}
	return qty.Mul(price).GreaterThanOrEqual(r.MinNotional)
}

type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}
