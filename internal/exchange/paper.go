// Package exchange provides exchange backends behind the domain.Exchange
// interface. The paper backend is an in-process simulator used for dry runs;
// live venue adapters plug in through the same interface.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// PaperConfig seeds the simulator.
type PaperConfig struct {
	// Marks is the initial mark price per symbol. Symbols without a mark
	// reject orders and ticker lookups.
	Marks map[string]float64

	// SlippageBps is applied to market fills, in basis points against the
	// taker.
	SlippageBps float64
}

// Paper is an in-memory derivatives venue. Market orders fill at the mark
// plus slippage, limit orders fill when the mark crosses them, and protective
// trigger orders fire on SetMark. All state is process-local.
type Paper struct {
	mu        sync.Mutex
	marks     map[string]float64
	orders    map[string]domain.ExchangeOrder // by order ID, live and terminal
	clientIDs map[string]string               // client order ID -> order ID
	closable  map[string]float64              // symbol+side -> open quantity
	slippage  float64                         // fractional, derived from bps
}

var _ domain.Exchange = (*Paper)(nil)

// NewPaper creates a simulator seeded with cfg.Marks.
func NewPaper(cfg PaperConfig) *Paper {
	marks := make(map[string]float64, len(cfg.Marks))
	for sym, px := range cfg.Marks {
		marks[sym] = px
	}
	return &Paper{
		marks:     marks,
		orders:    make(map[string]domain.ExchangeOrder),
		clientIDs: make(map[string]string),
		closable:  make(map[string]float64),
		slippage:  cfg.SlippageBps / 10000,
	}
}

// SetMark moves the mark price for a symbol and settles anything the move
// crossed: resting limit entries and protective triggers.
func (p *Paper) SetMark(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
	p.settle(symbol, price)
}

func (p *Paper) PlaceOrder(_ context.Context, spec domain.OrderSpec) (domain.ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mark, ok := p.marks[spec.Symbol]
	if !ok {
		return domain.ExchangeOrder{}, fmt.Errorf("paper: no mark price for %s", spec.Symbol)
	}
	if spec.Quantity <= 0 {
		return domain.ExchangeOrder{}, fmt.Errorf("paper: quantity must be > 0")
	}
	if err := p.claimClientID(spec.ClientOrderID); err != nil {
		return domain.ExchangeOrder{}, err
	}

	order := domain.ExchangeOrder{
		OrderID:       uuid.New().String(),
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Status:        domain.OrderStatusNew,
		Price:         spec.Price,
		ClosePosition: spec.ReduceOnly,
		CreatedAt:     time.Now().UTC(),
	}

	switch spec.Type {
	case domain.OrderTypeMarket:
		fill := mark * (1 + p.slippage)
		if spec.Side == domain.SideShort {
			fill = mark * (1 - p.slippage)
		}
		p.fill(&order, fill, spec.Quantity, spec.ReduceOnly)
	case domain.OrderTypeLimit:
		if spec.Price <= 0 {
			return domain.ExchangeOrder{}, fmt.Errorf("paper: limit order needs a price")
		}
		if limitCrossed(spec.Side, mark, spec.Price) {
			p.fill(&order, spec.Price, spec.Quantity, spec.ReduceOnly)
		}
	default:
		return domain.ExchangeOrder{}, fmt.Errorf("paper: unsupported entry order type %s", spec.Type)
	}

	if order.Status == domain.OrderStatusNew {
		p.pendingQty(order.OrderID, spec.Quantity)
	}
	p.orders[order.OrderID] = order
	p.clientIDs[spec.ClientOrderID] = order.OrderID
	return order, nil
}

func (p *Paper) CancelOrder(_ context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok || order.Symbol != symbol || !order.Status.Live() {
		return domain.NewExchangeError(domain.RejectUnknownOrder, -2011, "unknown order sent")
	}
	order.Status = domain.OrderStatusCanceled
	p.orders[orderID] = order
	return nil
}

func (p *Paper) GetOrder(_ context.Context, symbol, orderID string) (domain.ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok || order.Symbol != symbol {
		return domain.ExchangeOrder{}, domain.NewExchangeError(domain.RejectUnknownOrder, -2013, "order does not exist")
	}
	return order, nil
}

func (p *Paper) GetOrderAvgFillPrice(ctx context.Context, symbol, orderID string) (float64, error) {
	order, err := p.GetOrder(ctx, symbol, orderID)
	if err != nil {
		return 0, err
	}
	return order.AvgFillPrice, nil
}

func (p *Paper) GetTickerPrice(_ context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mark, ok := p.marks[symbol]
	if !ok {
		return 0, fmt.Errorf("paper: no mark price for %s", symbol)
	}
	return mark, nil
}

func (p *Paper) GetOpenOrders(_ context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.ExchangeOrder
	for _, order := range p.orders {
		if order.Symbol == symbol && order.Status.Live() {
			out = append(out, order)
		}
	}
	return out, nil
}

func (p *Paper) GetClosableQuantity(_ context.Context, symbol string, side domain.Side) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closable[positionKey(symbol, side)], nil
}

func (p *Paper) CreateCloseStopMarket(_ context.Context, symbol string, side domain.Side, stopPrice float64, clientOrderID string) (domain.ExchangeOrder, error) {
	return p.createTrigger(symbol, side, domain.OrderTypeStopMarket, stopPrice, clientOrderID)
}

func (p *Paper) CreateCloseTakeProfitMarket(_ context.Context, symbol string, side domain.Side, stopPrice float64, clientOrderID string) (domain.ExchangeOrder, error) {
	return p.createTrigger(symbol, side, domain.OrderTypeTakeProfitMarket, stopPrice, clientOrderID)
}

// createTrigger registers a reduce-only trigger order after validating it
// would not fire immediately, mirroring venue -2021 behavior.
func (p *Paper) createTrigger(symbol string, side domain.Side, typ domain.OrderType, stopPrice float64, clientOrderID string) (domain.ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mark, ok := p.marks[symbol]
	if !ok {
		return domain.ExchangeOrder{}, fmt.Errorf("paper: no mark price for %s", symbol)
	}
	if stopPrice <= 0 {
		return domain.ExchangeOrder{}, fmt.Errorf("paper: trigger order needs a stop price")
	}
	if triggerTouched(side, typ, mark, stopPrice) {
		return domain.ExchangeOrder{}, domain.NewExchangeError(domain.RejectWouldTrigger, -2021, "order would immediately trigger")
	}
	if err := p.claimClientID(clientOrderID); err != nil {
		return domain.ExchangeOrder{}, err
	}

	order := domain.ExchangeOrder{
		OrderID:       uuid.New().String(),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side.Opposite(),
		Type:          typ,
		Status:        domain.OrderStatusNew,
		StopPrice:     stopPrice,
		ClosePosition: true,
		CreatedAt:     time.Now().UTC(),
	}
	p.orders[order.OrderID] = order
	p.clientIDs[clientOrderID] = order.OrderID
	return order, nil
}

// settle fires triggers and fills resting limits crossed by the new mark.
// Caller holds the mutex.
func (p *Paper) settle(symbol string, mark float64) {
	for id, order := range p.orders {
		if order.Symbol != symbol || !order.Status.Live() {
			continue
		}
		switch order.Type {
		case domain.OrderTypeLimit:
			if limitCrossed(order.Side, mark, order.Price) {
				qty := p.takePendingQty(id)
				p.fill(&order, order.Price, qty, order.ClosePosition)
				p.orders[id] = order
			}
		case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfitMarket:
			// Side on a trigger order is the closing side; the position
			// side is its opposite.
			posSide := order.Side.Opposite()
			if triggerTouched(posSide, order.Type, mark, order.StopPrice) {
				qty := p.closable[positionKey(symbol, posSide)]
				p.fill(&order, order.StopPrice, qty, true)
				p.orders[id] = order
			}
		}
	}
}

// fill marks an order filled and moves position inventory. Caller holds the
// mutex. Reduce-only fills flatten the opposite inventory; entry fills add
// to it.
func (p *Paper) fill(order *domain.ExchangeOrder, price, qty float64, reduceOnly bool) {
	order.Status = domain.OrderStatusFilled
	order.AvgFillPrice = price
	order.ExecutedQty = qty

	if reduceOnly {
		// Reduce-only orders carry the closing side; inventory sits on the
		// opposite key.
		key := positionKey(order.Symbol, order.Side.Opposite())
		p.closable[key] -= qty
		if p.closable[key] < 0 {
			p.closable[key] = 0
		}
		return
	}
	p.closable[positionKey(order.Symbol, order.Side)] += qty
}

func (p *Paper) claimClientID(clientID string) error {
	if clientID == "" {
		return nil
	}
	if _, dup := p.clientIDs[clientID]; dup {
		return domain.NewExchangeError(domain.RejectDuplicateClientID, -4015, "client order id is duplicated")
	}
	return nil
}

// pendingQty stashes the working quantity of a resting order so a later
// settle can fill the full size.
func (p *Paper) pendingQty(orderID string, qty float64) {
	p.closable["pending:"+orderID] = qty
}

func (p *Paper) takePendingQty(orderID string) float64 {
	qty := p.closable["pending:"+orderID]
	delete(p.closable, "pending:"+orderID)
	return qty
}

func positionKey(symbol string, side domain.Side) string {
	return symbol + ":" + string(side)
}

// limitCrossed reports whether a resting limit entry is marketable: a long
// buys when the mark is at or under the limit, a short sells when it is at or
// over.
func limitCrossed(side domain.Side, mark, limit float64) bool {
	if side == domain.SideLong {
		return mark <= limit
	}
	return mark >= limit
}

// triggerTouched reports whether a protective trigger for the given position
// side fires at the current mark. A stop under a long fires when the mark
// falls to it; a take-profit over a long fires when the mark rises to it.
// Shorts mirror.
func triggerTouched(posSide domain.Side, typ domain.OrderType, mark, stop float64) bool {
	long := posSide == domain.SideLong
	if typ == domain.OrderTypeStopMarket {
		if long {
			return mark <= stop
		}
		return mark >= stop
	}
	if long {
		return mark >= stop
	}
	return mark <= stop
}
