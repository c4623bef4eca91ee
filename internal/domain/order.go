package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus mirrors the exchange order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the exchange will never fill the order further.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderRequest is a limit order to be placed (GTC).
type OrderRequest struct {
	Side          Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// OrderRef identifies an order by exchange id or by client id.
type OrderRef struct {
	OrderID       string
	ClientOrderID string
}

// OrderReport is the polled view of a single order.
type OrderReport struct {
	OrderID            string
	ClientOrderID      string
	Side               Side
	Status             OrderStatus
	Price              decimal.Decimal
	Quantity           decimal.Decimal
	CumulativeQuantity decimal.Decimal
	CumulativeQuote    decimal.Decimal
	UpdatedAt          time.Time
}

// OpenOrder converts a report of a live order into the tracked form.
func (r *OrderReport) OpenOrder() *OpenOrder {
	return &OpenOrder{
		OrderID:        r.OrderID,
		ClientOrderID:  r.ClientOrderID,
		Side:           r.Side,
		Quantity:       r.Quantity,
		Price:          r.Price,
		FilledQuantity: r.CumulativeQuantity,
		FilledQuote:    r.CumulativeQuote,
		Status:         r.Status,
		CreatedAt:      r.UpdatedAt,
	}
}

type FillSource string

const (
	FillSourceStream FillSource = "stream"
	FillSourcePoll   FillSource = "poll"
)

// FillEvent is one order status update. Delivery is at-least-once and
// events are keyed by (OrderID, CumulativeQuantity).
type FillEvent struct {
	OrderID            string
	ClientOrderID      string
	Side               Side
	Status             OrderStatus
	CumulativeQuantity decimal.Decimal
	// CumulativeQuote is zero when the source does not report it.
	CumulativeQuote decimal.Decimal
	LastPrice       decimal.Decimal
	LastQuantity    decimal.Decimal
	// Commission applies to the last execution only.
	Commission      decimal.Decimal
	CommissionAsset string
	Reason          string
	Source          FillSource
	Timestamp       time.Time
}

// FillFromReport turns a polled order into a synthetic fill event.
func FillFromReport(r *OrderReport) FillEvent {
	return FillEvent{
		OrderID:            r.OrderID,
		ClientOrderID:      r.ClientOrderID,
		Side:               r.Side,
		Status:             r.Status,
		CumulativeQuantity: r.CumulativeQuantity,
		CumulativeQuote:    r.CumulativeQuote,
		Source:             FillSourcePoll,
		Timestamp:          r.UpdatedAt,
	}
}

type StreamEventKind int

const (
	StreamEventFill StreamEventKind = iota
	// StreamEventConnected is sent after every (re)connect; events may have
	// been missed before it.
	StreamEventConnected
)

type StreamEvent struct {
	Kind StreamEventKind
	Fill *FillEvent
}

// OwnFill is one of our trades from the exchange history.
type OwnFill struct {
	TradeID         int64
	OrderID         string
	Side            Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Quote           decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	Time            time.Time
}
