package domain

import "context"

// Exchange is the adapter interface through which the engine talks to a
// derivatives venue. Wire protocol details stay behind this boundary;
// adapters translate venue error codes into ExchangeError categories.
type Exchange interface {
	// PlaceOrder submits an entry order and returns the exchange's view of it.
	PlaceOrder(ctx context.Context, spec OrderSpec) (ExchangeOrder, error)

	// CancelOrder cancels an order. Adapters return an ExchangeError with
	// category RejectUnknownOrder when the order is already gone.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetOrder returns the current status of an order.
	GetOrder(ctx context.Context, symbol, orderID string) (ExchangeOrder, error)

	// GetOrderAvgFillPrice returns the average fill price of an order.
	GetOrderAvgFillPrice(ctx context.Context, symbol, orderID string) (float64, error)

	// GetTickerPrice returns the last traded price for a symbol.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)

	// GetOpenOrders lists all working orders for a symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error)

	// GetClosableQuantity returns the position quantity that can still be
	// closed for a symbol and side.
	GetClosableQuantity(ctx context.Context, symbol string, side Side) (float64, error)

	// CreateCloseStopMarket places a reduce-only STOP_MARKET that closes the
	// whole position of the given side when stopPrice is touched.
	CreateCloseStopMarket(ctx context.Context, symbol string, side Side, stopPrice float64, clientOrderID string) (ExchangeOrder, error)

	// CreateCloseTakeProfitMarket places a reduce-only TAKE_PROFIT_MARKET
	// that closes the whole position of the given side at stopPrice.
	CreateCloseTakeProfitMarket(ctx context.Context, symbol string, side Side, stopPrice float64, clientOrderID string) (ExchangeOrder, error)
}
