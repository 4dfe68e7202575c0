package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptrFloat(v float64) *float64 { return &v }

func ptrString(v string) *string { return &v }

// In-memory fakes for the engine's dependencies. Behavior can be overridden
// per test through the function fields.

type fakeBotStore struct {
	mu   sync.Mutex
	bots map[string]domain.BotConfig
	err  error
}

func newFakeBotStore(bots ...domain.BotConfig) *fakeBotStore {
	s := &fakeBotStore{bots: make(map[string]domain.BotConfig)}
	for _, b := range bots {
		s.bots[b.ID] = b
	}
	return s
}

func (s *fakeBotStore) GetByID(_ context.Context, id string) (domain.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.BotConfig{}, s.err
	}
	b, ok := s.bots[id]
	if !ok {
		return domain.BotConfig{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *fakeBotStore) ListEnabled(_ context.Context) ([]domain.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BotConfig
	for _, b := range s.bots {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out, nil
}

type fakePositionStore struct {
	mu        sync.Mutex
	positions map[string]*domain.Position

	notionalQueries int
	countQueries    int
	err             error
}

func newFakePositionStore(positions ...domain.Position) *fakePositionStore {
	s := &fakePositionStore{positions: make(map[string]*domain.Position)}
	for i := range positions {
		p := positions[i]
		s.positions[p.ID] = &p
	}
	return s
}

func (s *fakePositionStore) get(id string) *domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[id]
}

func (s *fakePositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := p
	s.positions[p.ID] = &cp
	return nil
}

func (s *fakePositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

func (s *fakePositionStore) ListActive(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == domain.PositionStatusOpen || p.Status == domain.PositionStatusEntryPending {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListOpenBySymbol(_ context.Context, botID, symbol string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.BotID == botID && p.Symbol == symbol &&
			(p.Status == domain.PositionStatusOpen || p.Status == domain.PositionStatusEntryPending) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakePositionStore) OpenNotional(_ context.Context, botID, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notionalQueries++
	if s.err != nil {
		return 0, s.err
	}
	var sum float64
	for _, p := range s.positions {
		if p.BotID == botID && p.Symbol == symbol &&
			(p.Status == domain.PositionStatusOpen || p.Status == domain.PositionStatusEntryPending) {
			sum += p.Amount
		}
	}
	return sum, nil
}

func (s *fakePositionStore) CountOpen(_ context.Context, botID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countQueries++
	if s.err != nil {
		return 0, s.err
	}
	n := 0
	for _, p := range s.positions {
		if p.BotID == botID &&
			(p.Status == domain.PositionStatusOpen || p.Status == domain.PositionStatusEntryPending) {
			n++
		}
	}
	return n, nil
}

func (s *fakePositionStore) Claim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.IsProcessing {
		return false, nil
	}
	p.IsProcessing = true
	return true, nil
}

func (s *fakePositionStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[id]; ok {
		p.IsProcessing = false
	}
	return nil
}

func (s *fakePositionStore) PromoteToOpen(_ context.Context, id string, fillPrice float64, openedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != domain.PositionStatusEntryPending {
		return domain.ErrNotFound
	}
	p.Status = domain.PositionStatusOpen
	p.EntryPrice = fillPrice
	p.Amount = fillPrice * p.Quantity
	p.OpenedAt = openedAt
	return nil
}

func (s *fakePositionStore) SetExitOrder(_ context.Context, id string, exitOrderID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.ExitOrderID = exitOrderID
	return nil
}

func (s *fakePositionStore) SetTargets(_ context.Context, id string, takeProfit, stopLoss float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.TakeProfitPrice = takeProfit
	p.StopLossPrice = stopLoss
	return nil
}

func (s *fakePositionStore) SetTpSlPending(_ context.Context, id string, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.TpSlPending = pending
	return nil
}

func (s *fakePositionStore) ClosePosition(_ context.Context, id string, exitPrice float64, reason domain.CloseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != domain.PositionStatusOpen {
		return domain.ErrNotFound
	}
	p.Status = domain.PositionStatusClosed
	p.ComputePnL(exitPrice)
	now := time.Now().UTC()
	p.ClosedAt = &now
	p.CloseReason = &reason
	p.ExitOrderID = nil
	p.TpSlPending = false
	return nil
}

func (s *fakePositionStore) CancelPosition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != domain.PositionStatusEntryPending {
		return domain.ErrNotFound
	}
	p.Status = domain.PositionStatusCanceled
	return nil
}

func (s *fakePositionStore) ListClosedBefore(_ context.Context, before time.Time) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == domain.PositionStatusClosed && p.ClosedAt != nil && p.ClosedAt.Before(before) {
			out = append(out, *p)
		}
	}
	return out, nil
}

type fakeReservationStore struct {
	mu           sync.Mutex
	reservations map[string]*domain.Reservation
}

func newFakeReservationStore() *fakeReservationStore {
	return &fakeReservationStore{reservations: make(map[string]*domain.Reservation)}
}

func (s *fakeReservationStore) Create(_ context.Context, r domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	s.reservations[r.Token] = &cp
	return nil
}

func (s *fakeReservationStore) Finalize(_ context.Context, token string, state domain.ReservationState, transferredTo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[token]
	if !ok {
		return domain.ErrFinalized
	}
	if r.State != domain.ReservationActive && r.State != domain.ReservationTransferred {
		return domain.ErrFinalized
	}
	r.State = state
	r.TransferredTo = transferredTo
	now := time.Now().UTC()
	r.FinalizedAt = &now
	return nil
}

func (s *fakeReservationStore) ListStaleActive(_ context.Context, before time.Time) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reservation
	for _, r := range s.reservations {
		if (r.State == domain.ReservationActive || r.State == domain.ReservationTransferred) && r.CreatedAt.Before(before) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeReservationStore) CountPending(_ context.Context, botID, symbol string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reservations {
		if r.BotID == botID && r.Symbol == symbol &&
			(r.State == domain.ReservationActive || r.State == domain.ReservationTransferred) {
			n++
		}
	}
	return n, nil
}

func (s *fakeReservationStore) ListPending(_ context.Context, botID, symbol string) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.BotID == botID && r.Symbol == symbol &&
			(r.State == domain.ReservationActive || r.State == domain.ReservationTransferred) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeReservationStore) byState(state domain.ReservationState) []domain.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.State == state {
			out = append(out, *r)
		}
	}
	return out
}

type fakeStrategyStore struct {
	mu     sync.Mutex
	params map[string]domain.StrategyParams
}

func newFakeStrategyStore(params ...domain.StrategyParams) *fakeStrategyStore {
	s := &fakeStrategyStore{params: make(map[string]domain.StrategyParams)}
	for _, p := range params {
		s.params[p.ID] = p
	}
	return s
}

func (s *fakeStrategyStore) GetByID(_ context.Context, id string) (domain.StrategyParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.params[id]
	if !ok {
		return domain.StrategyParams{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *fakeStrategyStore) ListByIDs(_ context.Context, ids []string) (map[string]domain.StrategyParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.StrategyParams)
	for _, id := range ids {
		if p, ok := s.params[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fakeAuditStore struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (s *fakeAuditStore) has(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

type fakeExposureCache struct {
	mu        sync.Mutex
	notionals map[string]domain.Exposure
	counts    map[string]int
}

func newFakeExposureCache() *fakeExposureCache {
	return &fakeExposureCache{
		notionals: make(map[string]domain.Exposure),
		counts:    make(map[string]int),
	}
}

func (c *fakeExposureCache) GetNotional(_ context.Context, botID, symbol string) (domain.Exposure, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.notionals[botID+":"+symbol]
	if !ok {
		return domain.Exposure{}, domain.ErrNotFound
	}
	return exp, nil
}

func (c *fakeExposureCache) SetNotional(_ context.Context, botID, symbol string, exp domain.Exposure, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notionals[botID+":"+symbol] = exp
	return nil
}

func (c *fakeExposureCache) InvalidateNotional(_ context.Context, botID, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notionals, botID+":"+symbol)
	return nil
}

func (c *fakeExposureCache) GetCount(_ context.Context, botID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[botID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return n, nil
}

func (c *fakeExposureCache) SetCount(_ context.Context, botID string, count int, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[botID] = count
	return nil
}

func (c *fakeExposureCache) InvalidateCount(_ context.Context, botID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, botID)
	return nil
}

type fakeLockManager struct {
	mu       sync.Mutex
	held     map[string]bool
	acquires int
	err      error
}

func newFakeLockManager() *fakeLockManager {
	return &fakeLockManager{held: make(map[string]bool)}
}

func (lm *fakeLockManager) Acquire(_ context.Context, name string, _ time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.acquires++
	if lm.err != nil {
		return nil, lm.err
	}
	if lm.held[name] {
		return nil, domain.ErrLockHeld
	}
	lm.held[name] = true
	return func() {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		delete(lm.held, name)
	}, nil
}

type limiterWait struct {
	key    string
	limit  int
	window time.Duration
}

type fakeLimiter struct {
	mu    sync.Mutex
	waits []limiterWait
}

func (l *fakeLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *fakeLimiter) Wait(_ context.Context, key string, limit int, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits = append(l.waits, limiterWait{key: key, limit: limit, window: window})
	return nil
}

func (l *fakeLimiter) waitCalls() []limiterWait {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]limiterWait, len(l.waits))
	copy(out, l.waits)
	return out
}

type busMessage struct {
	channel string
	payload []byte
}

type fakeBus struct {
	mu        sync.Mutex
	published []busMessage
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, busMessage{channel: channel, payload: payload})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *fakeBus) events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.published {
		out = append(out, string(m.payload))
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// fakeExchange simulates a venue: placed orders are tracked, and the function
// fields let tests inject rejections and custom behavior per call.
type fakeExchange struct {
	mu sync.Mutex

	tickers    map[string]float64
	orders     map[string]domain.ExchangeOrder
	openOrders map[string][]domain.ExchangeOrder
	closable   map[string]float64

	placed    []domain.OrderSpec
	cancelled []string

	nextID int

	placeOrderErr  []error // consumed one per PlaceOrder call
	createExitErrs []error // consumed one per CreateClose* call
	tickerErr      error
	getOrderFn     func(symbol, orderID string) (domain.ExchangeOrder, error)
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		tickers:    make(map[string]float64),
		orders:     make(map[string]domain.ExchangeOrder),
		openOrders: make(map[string][]domain.ExchangeOrder),
		closable:   make(map[string]float64),
	}
}

func (e *fakeExchange) newOrderID() string {
	e.nextID++
	return fmt.Sprintf("ord-%d", e.nextID)
}

func (e *fakeExchange) PlaceOrder(_ context.Context, spec domain.OrderSpec) (domain.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placed = append(e.placed, spec)
	if len(e.placeOrderErr) > 0 {
		err := e.placeOrderErr[0]
		e.placeOrderErr = e.placeOrderErr[1:]
		if err != nil {
			return domain.ExchangeOrder{}, err
		}
	}

	order := domain.ExchangeOrder{
		OrderID:       e.newOrderID(),
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Price:         spec.Price,
		CreatedAt:     time.Now(),
	}
	if spec.Type == domain.OrderTypeMarket {
		order.Status = domain.OrderStatusFilled
		order.AvgFillPrice = e.tickers[spec.Symbol]
		order.ExecutedQty = spec.Quantity
	} else {
		order.Status = domain.OrderStatusNew
	}
	e.orders[order.OrderID] = order
	return order, nil
}

func (e *fakeExchange) CancelOrder(_ context.Context, _, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, orderID)
	o, ok := e.orders[orderID]
	if !ok || !o.Status.Live() {
		return domain.NewExchangeError(domain.RejectUnknownOrder, -2011, "unknown order")
	}
	o.Status = domain.OrderStatusCanceled
	e.orders[orderID] = o
	for sym, list := range e.openOrders {
		var kept []domain.ExchangeOrder
		for _, oo := range list {
			if oo.OrderID != orderID {
				kept = append(kept, oo)
			}
		}
		e.openOrders[sym] = kept
	}
	return nil
}

func (e *fakeExchange) GetOrder(_ context.Context, symbol, orderID string) (domain.ExchangeOrder, error) {
	e.mu.Lock()
	fn := e.getOrderFn
	e.mu.Unlock()
	if fn != nil {
		return fn(symbol, orderID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return domain.ExchangeOrder{}, domain.NewExchangeError(domain.RejectUnknownOrder, -2013, "order does not exist")
	}
	return o, nil
}

func (e *fakeExchange) GetOrderAvgFillPrice(_ context.Context, _, orderID string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[orderID]; ok {
		return o.AvgFillPrice, nil
	}
	return 0, domain.ErrNotFound
}

func (e *fakeExchange) GetTickerPrice(_ context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tickerErr != nil {
		return 0, e.tickerErr
	}
	return e.tickers[symbol], nil
}

func (e *fakeExchange) GetOpenOrders(_ context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ExchangeOrder(nil), e.openOrders[symbol]...), nil
}

func (e *fakeExchange) GetClosableQuantity(_ context.Context, symbol string, _ domain.Side) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closable[symbol], nil
}

func (e *fakeExchange) createExit(symbol string, side domain.Side, typ domain.OrderType, stopPrice float64, clientID string) (domain.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placed = append(e.placed, domain.OrderSpec{
		Symbol:        symbol,
		Side:          side.Opposite(),
		Type:          typ,
		Price:         stopPrice,
		ClientOrderID: clientID,
		ReduceOnly:    true,
	})
	if len(e.createExitErrs) > 0 {
		err := e.createExitErrs[0]
		e.createExitErrs = e.createExitErrs[1:]
		if err != nil {
			return domain.ExchangeOrder{}, err
		}
	}
	order := domain.ExchangeOrder{
		OrderID:       e.newOrderID(),
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side.Opposite(),
		Type:          typ,
		Status:        domain.OrderStatusNew,
		StopPrice:     stopPrice,
		ClosePosition: true,
		CreatedAt:     time.Now(),
	}
	e.orders[order.OrderID] = order
	e.openOrders[symbol] = append(e.openOrders[symbol], order)
	return order, nil
}

func (e *fakeExchange) CreateCloseStopMarket(_ context.Context, symbol string, side domain.Side, stopPrice float64, clientOrderID string) (domain.ExchangeOrder, error) {
	return e.createExit(symbol, side, domain.OrderTypeStopMarket, stopPrice, clientOrderID)
}

func (e *fakeExchange) CreateCloseTakeProfitMarket(_ context.Context, symbol string, side domain.Side, stopPrice float64, clientOrderID string) (domain.ExchangeOrder, error) {
	return e.createExit(symbol, side, domain.OrderTypeTakeProfitMarket, stopPrice, clientOrderID)
}

// addOpenExitOrder seeds an exchange-side exit order and returns its id.
func (e *fakeExchange) addOpenExitOrder(symbol string, typ domain.OrderType, stopPrice float64, clientID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	order := domain.ExchangeOrder{
		OrderID:       e.newOrderID(),
		ClientOrderID: clientID,
		Symbol:        symbol,
		Type:          typ,
		Status:        domain.OrderStatusNew,
		StopPrice:     stopPrice,
		ClosePosition: true,
	}
	e.orders[order.OrderID] = order
	e.openOrders[symbol] = append(e.openOrders[symbol], order)
	return order.OrderID
}

func (e *fakeExchange) setOrderStatus(orderID string, status domain.OrderStatus, avgFill float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.orders[orderID]
	o.Status = status
	o.AvgFillPrice = avgFill
	e.orders[orderID] = o
}

func (e *fakeExchange) cancelledIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cancelled...)
}

func (e *fakeExchange) placedSpecs() []domain.OrderSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.OrderSpec(nil), e.placed...)
}

// Compile-time interface checks for the fakes.
var (
	_ domain.BotStore         = (*fakeBotStore)(nil)
	_ domain.PositionStore    = (*fakePositionStore)(nil)
	_ domain.ReservationStore = (*fakeReservationStore)(nil)
	_ domain.StrategyStore    = (*fakeStrategyStore)(nil)
	_ domain.AuditStore       = (*fakeAuditStore)(nil)
	_ domain.ExposureCache    = (*fakeExposureCache)(nil)
	_ domain.LockManager      = (*fakeLockManager)(nil)
	_ domain.RateLimiter      = (*fakeLimiter)(nil)
	_ domain.SignalBus        = (*fakeBus)(nil)
	_ domain.Exchange         = (*fakeExchange)(nil)
)
