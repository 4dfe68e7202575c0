package domain

import "time"

// OrderType distinguishes entry orders from protective trigger orders.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// IsExitType reports whether the order type is a protective trigger order.
func (t OrderType) IsExitType() bool {
	return t == OrderTypeStopMarket || t == OrderTypeTakeProfitMarket
}

// OrderStatus mirrors the exchange-reported order state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Live reports whether the order is still working on the exchange.
func (s OrderStatus) Live() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// OrderSpec describes an entry order to be placed on the exchange.
type OrderSpec struct {
	Symbol        string
	Side          Side // position direction; the adapter maps it to buy/sell
	Type          OrderType
	Quantity      float64
	Price         float64 // limit price; ignored for MARKET
	ClientOrderID string
	ReduceOnly    bool
}

// ExchangeOrder is the exchange's view of an order, as returned by the
// adapter. Only the fields the engine reconciles against are carried.
type ExchangeOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Price         float64
	StopPrice     float64 // trigger price for STOP_MARKET / TAKE_PROFIT_MARKET
	AvgFillPrice  float64
	ExecutedQty   float64
	ClosePosition bool // reduce-only / close-position semantics
	CreatedAt     time.Time
}
