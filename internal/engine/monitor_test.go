package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

type monitorFixture struct {
	positions    *fakePositionStore
	bots         *fakeBotStore
	strategies   *fakeStrategyStore
	exchange     *fakeExchange
	cache        *fakeExposureCache
	bus          *fakeBus
	audit        *fakeAuditStore
	reservations *fakeReservationStore
	notifier     *fakeNotifier
	limiter      *fakeLimiter
	m            *Monitor
}

func newMonitorFixture(positions ...domain.Position) *monitorFixture {
	f := &monitorFixture{
		positions: newFakePositionStore(positions...),
		bots:      newFakeBotStore(domain.BotConfig{ID: "bot1", Enabled: true}),
		strategies: newFakeStrategyStore(domain.StrategyParams{
			ID: "strat1", TakeProfit: 0.10, StopLoss: 0.05, Extend: 0.02,
		}),
		exchange:     newFakeExchange(),
		cache:        newFakeExposureCache(),
		bus:          &fakeBus{},
		audit:        &fakeAuditStore{},
		reservations: newFakeReservationStore(),
		notifier:     &fakeNotifier{},
		limiter:      &fakeLimiter{},
	}

	logger := testLogger()
	resMgr := NewReservationManager(f.reservations, f.audit, logger)
	exits := NewExitOrderManager(f.exchange, f.positions, logger, DefaultExitConfig())

	cfg := DefaultMonitorConfig()
	cfg.Interval = time.Hour // cycles driven manually in tests
	cfg.BatchDelay = 0
	cfg.DedupEvery = 0
	cfg.ReservationSweepEvery = 0

	f.m = NewMonitor(f.positions, f.bots, f.strategies, f.exchange, f.cache, f.bus,
		f.audit, f.limiter, nil, resMgr, exits, logger, cfg)
	_ = f.m.Initialize(f.notifier)
	return f
}

func (f *monitorFixture) runCycle(t *testing.T, cycle uint64) {
	t.Helper()
	require.NoError(t, f.m.reconcile(context.Background(), cycle))
}

func monitorPosition(id string, status domain.PositionStatus) domain.Position {
	return domain.Position{
		ID:              id,
		BotID:           "bot1",
		StrategyID:      "strat1",
		Symbol:          "BTCUSDT",
		Side:            domain.SideLong,
		Status:          status,
		EntryPrice:      100,
		Quantity:        1,
		Amount:          100,
		TakeProfitPrice: 110,
		StopLossPrice:   95,
		EntryOrderID:    "entry-1",
		OpenedAt:        time.Now().Add(-5 * time.Second),
		CreatedAt:       time.Now().Add(-5 * time.Second),
	}
}

func TestUnprotectedPositionGetsCoverage(t *testing.T) {
	f := newMonitorFixture(monitorPosition("p1", domain.PositionStatusOpen))
	f.exchange.tickers["BTCUSDT"] = 100

	f.runCycle(t, 1)

	stored := f.positions.get("p1")
	require.NotNil(t, stored.ExitOrderID)
	order, err := f.exchange.GetOrder(context.Background(), "BTCUSDT", *stored.ExitOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTypeStopMarket, order.Type)
	assert.Equal(t, 95.0, order.StopPrice)
}

func TestUnprotectedPastGraceEscalates(t *testing.T) {
	// Scenario D: open 40s without exit coverage triggers the urgent
	// escalation on the next cycle.
	pos := monitorPosition("p1", domain.PositionStatusOpen)
	pos.OpenedAt = time.Now().Add(-40 * time.Second)
	f := newMonitorFixture(pos)
	f.exchange.tickers["BTCUSDT"] = 100

	f.runCycle(t, 1)

	assert.True(t, f.audit.has("position_unprotected"))
	assert.Contains(t, f.notifier.events, EventPositionUnprotected)

	var sawEvent bool
	for _, e := range f.bus.events() {
		if strings.Contains(e, EventPositionUnprotected) {
			sawEvent = true
		}
	}
	assert.True(t, sawEvent)
}

func TestProtectedWithinGraceNoEscalation(t *testing.T) {
	pos := monitorPosition("p1", domain.PositionStatusOpen)
	exitID := "exit-1"
	pos.ExitOrderID = &exitID
	f := newMonitorFixture(pos)
	f.exchange.tickers["BTCUSDT"] = 100
	f.exchange.addOpenExitOrder("BTCUSDT", domain.OrderTypeStopMarket, 95, "fb-p1-aaaa")
	// Recorded order id must resolve: seed it directly.
	f.exchange.orders[exitID] = domain.ExchangeOrder{
		OrderID: exitID, Symbol: "BTCUSDT", Type: domain.OrderTypeStopMarket,
		Status: domain.OrderStatusNew, StopPrice: 95, ClosePosition: true,
	}

	f.runCycle(t, 1)
	assert.False(t, f.audit.has("position_unprotected"))
	assert.Empty(t, f.notifier.events)
}

func TestClaimedPositionSkipped(t *testing.T) {
	pos := monitorPosition("p1", domain.PositionStatusOpen)
	pos.IsProcessing = true // held by a peer monitor instance
	f := newMonitorFixture(pos)
	f.exchange.tickers["BTCUSDT"] = 100

	f.runCycle(t, 1)
	assert.Nil(t, f.positions.get("p1").ExitOrderID, "claimed position must not be touched")
}

func TestSoftLockReleasedAfterProcessing(t *testing.T) {
	f := newMonitorFixture(monitorPosition("p1", domain.PositionStatusOpen))
	f.exchange.tickers["BTCUSDT"] = 100

	f.runCycle(t, 1)
	assert.False(t, f.positions.get("p1").IsProcessing)
}

func TestLimiterPacedWithConfiguredBudget(t *testing.T) {
	f := newMonitorFixture(monitorPosition("p1", domain.PositionStatusOpen))
	f.exchange.tickers["BTCUSDT"] = 100
	f.m.cfg.RateLimit = 7
	f.m.cfg.RateWindow = 2 * time.Second

	f.runCycle(t, 1)

	calls := f.limiter.waitCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "exchange:bot1", calls[0].key)
	assert.Equal(t, 7, calls[0].limit)
	assert.Equal(t, 2*time.Second, calls[0].window)
}

func TestExitOrderFilledClosesPosition(t *testing.T) {
	pos := monitorPosition("p1", domain.PositionStatusOpen)
	exitID := "exit-1"
	pos.ExitOrderID = &exitID
	f := newMonitorFixture(pos)
	f.exchange.tickers["BTCUSDT"] = 94
	f.exchange.orders[exitID] = domain.ExchangeOrder{
		OrderID: exitID, Symbol: "BTCUSDT", Type: domain.OrderTypeStopMarket,
		Status: domain.OrderStatusFilled, StopPrice: 95, AvgFillPrice: 94.9, ClosePosition: true,
	}

	f.runCycle(t, 1)

	stored := f.positions.get("p1")
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	require.NotNil(t, stored.CloseReason)
	assert.Equal(t, domain.CloseReasonStopLoss, *stored.CloseReason)
	assert.InDelta(t, -5.1, stored.PnL, 1e-9)
	assert.Contains(t, f.notifier.events, EventPositionClosed)
}

func TestTakeProfitFillRecordsReason(t *testing.T) {
	pos := monitorPosition("p1", domain.PositionStatusOpen)
	exitID := "exit-1"
	pos.ExitOrderID = &exitID
	f := newMonitorFixture(pos)
	f.exchange.tickers["BTCUSDT"] = 111
	f.exchange.orders[exitID] = domain.ExchangeOrder{
		OrderID: exitID, Symbol: "BTCUSDT", Type: domain.OrderTypeTakeProfitMarket,
		Status: domain.OrderStatusFilled, StopPrice: 110, AvgFillPrice: 110.2, ClosePosition: true,
	}

	f.runCycle(t, 1)

	stored := f.positions.get("p1")
	require.NotNil(t, stored.CloseReason)
	assert.Equal(t, domain.CloseReasonTakeProfit, *stored.CloseReason)
}

func TestCanceledExitOrderRecreated(t *testing.T) {
	pos := monitorPosition("p1", domain.PositionStatusOpen)
	exitID := "exit-1"
	pos.ExitOrderID = &exitID
	f := newMonitorFixture(pos)
	f.exchange.tickers["BTCUSDT"] = 100
	f.exchange.orders[exitID] = domain.ExchangeOrder{
		OrderID: exitID, Symbol: "BTCUSDT", Type: domain.OrderTypeStopMarket,
		Status: domain.OrderStatusCanceled, StopPrice: 95, ClosePosition: true,
	}

	f.runCycle(t, 1)

	stored := f.positions.get("p1")
	require.NotNil(t, stored.ExitOrderID)
	assert.NotEqual(t, exitID, *stored.ExitOrderID, "coverage recreated under a new order")
}

func TestTrailingRatchetsTarget(t *testing.T) {
	pos := monitorPosition("p1", domain.PositionStatusOpen)
	exitID := "exit-1"
	pos.ExitOrderID = &exitID
	f := newMonitorFixture(pos)
	f.exchange.tickers["BTCUSDT"] = 120 // well past the old stop
	f.exchange.orders[exitID] = domain.ExchangeOrder{
		OrderID: exitID, Symbol: "BTCUSDT", Type: domain.OrderTypeStopMarket,
		Status: domain.OrderStatusNew, StopPrice: 95, ClosePosition: true,
	}

	f.runCycle(t, 1)

	stored := f.positions.get("p1")
	assert.InDelta(t, 120*0.98, stored.StopLossPrice, 1e-9, "trigger trailed to extend distance below market")
	assert.Contains(t, f.exchange.cancelledIDs(), exitID, "old order replaced")
	require.NotNil(t, stored.ExitOrderID)
	assert.NotEqual(t, exitID, *stored.ExitOrderID)
}

func TestEntryPendingPromotedOnFill(t *testing.T) {
	pos := monitorPosition("p1", domain.PositionStatusEntryPending)
	pos.OpenedAt = time.Time{}
	f := newMonitorFixture(pos)
	f.exchange.tickers["BTCUSDT"] = 101
	f.exchange.orders["entry-1"] = domain.ExchangeOrder{
		OrderID: "entry-1", Symbol: "BTCUSDT", Type: domain.OrderTypeLimit,
		Status: domain.OrderStatusFilled, AvgFillPrice: 100.5,
	}
	// The executor transferred this reservation on handoff.
	_ = f.reservations.Create(context.Background(), domain.Reservation{
		Token: "tok1", BotID: "bot1", Symbol: "BTCUSDT", Amount: 100,
		State: domain.ReservationTransferred, CreatedAt: time.Now(),
	})

	f.runCycle(t, 1)

	stored := f.positions.get("p1")
	assert.Equal(t, domain.PositionStatusOpen, stored.Status)
	assert.Equal(t, 100.5, stored.EntryPrice)
	require.Len(t, f.reservations.byState(domain.ReservationReleased), 1)
}

func TestEntryPendingCanceledWhenOrderGone(t *testing.T) {
	pos := monitorPosition("p1", domain.PositionStatusEntryPending)
	f := newMonitorFixture(pos)
	f.exchange.tickers["BTCUSDT"] = 100
	// entry-1 never seeded: the exchange reports unknown order.
	_ = f.reservations.Create(context.Background(), domain.Reservation{
		Token: "tok1", BotID: "bot1", Symbol: "BTCUSDT", Amount: 100,
		State: domain.ReservationTransferred, CreatedAt: time.Now(),
	})

	f.runCycle(t, 1)

	assert.Equal(t, domain.PositionStatusCanceled, f.positions.get("p1").Status)
	require.Len(t, f.reservations.byState(domain.ReservationCancelled), 1)
}

func TestDedupSweepPreservesHardStopLoss(t *testing.T) {
	pos := monitorPosition("p1", domain.PositionStatusOpen)
	exitID := "exit-1"
	pos.ExitOrderID = &exitID
	f := newMonitorFixture(pos)
	f.m.cfg.DedupEvery = 1
	f.exchange.tickers["BTCUSDT"] = 100
	f.exchange.orders[exitID] = domain.ExchangeOrder{
		OrderID: exitID, Symbol: "BTCUSDT", Type: domain.OrderTypeStopMarket,
		Status: domain.OrderStatusNew, StopPrice: 95, ClosePosition: true,
	}

	// Two unexpected duplicates: a stop and a take profit.
	dupStop := f.exchange.addOpenExitOrder("BTCUSDT", domain.OrderTypeStopMarket, 94, "x1")
	dupTP := f.exchange.addOpenExitOrder("BTCUSDT", domain.OrderTypeTakeProfitMarket, 112, "x2")

	f.runCycle(t, 1)

	cancelled := f.exchange.cancelledIDs()
	assert.NotContains(t, cancelled, dupStop,
		"strategy has a hard stop loss: stop orders are never dedup-cancelled")
	assert.Contains(t, cancelled, dupTP, "redundant take-profit duplicates are removed")
}

func TestDedupSweepRemovesStopWithoutHardStopStrategy(t *testing.T) {
	pos := monitorPosition("p1", domain.PositionStatusOpen)
	exitID := "exit-1"
	pos.ExitOrderID = &exitID
	f := newMonitorFixture(pos)
	f.m.cfg.DedupEvery = 1
	f.strategies.params["strat1"] = domain.StrategyParams{ID: "strat1", TakeProfit: 0.10} // no hard stop
	f.exchange.tickers["BTCUSDT"] = 100
	f.exchange.orders[exitID] = domain.ExchangeOrder{
		OrderID: exitID, Symbol: "BTCUSDT", Type: domain.OrderTypeTakeProfitMarket,
		Status: domain.OrderStatusNew, StopPrice: 110, ClosePosition: true,
	}

	dupStop := f.exchange.addOpenExitOrder("BTCUSDT", domain.OrderTypeStopMarket, 94, "x1")

	f.runCycle(t, 1)
	assert.Contains(t, f.exchange.cancelledIDs(), dupStop)
}

func TestReservationSweepRecoversOrphans(t *testing.T) {
	f := newMonitorFixture()
	f.m.cfg.ReservationSweepEvery = 1
	f.m.cfg.ReservationMaxAge = time.Minute
	_ = f.reservations.Create(context.Background(), domain.Reservation{
		Token: "orphan", BotID: "bot1", Symbol: "BTCUSDT", Amount: 100,
		State: domain.ReservationActive, CreatedAt: time.Now().Add(-time.Hour),
	})

	f.runCycle(t, 1)

	require.Len(t, f.reservations.byState(domain.ReservationCancelled), 1)
	assert.True(t, f.audit.has("reservation_recovered"))
}

func TestMonitorLifecycle(t *testing.T) {
	f := newMonitorFixture()

	m := NewMonitor(f.positions, f.bots, f.strategies, f.exchange, f.cache, f.bus,
		f.audit, &fakeLimiter{}, nil, NewReservationManager(f.reservations, f.audit, testLogger()),
		NewExitOrderManager(f.exchange, f.positions, testLogger(), DefaultExitConfig()),
		testLogger(), MonitorConfig{Interval: time.Hour, BatchSize: 1, BotBudget: time.Second})

	require.Error(t, m.Start(), "start before initialize must fail")
	require.NoError(t, m.Initialize(&fakeNotifier{}))
	require.Error(t, m.Initialize(&fakeNotifier{}), "double initialize must fail")

	require.NoError(t, m.Start())
	require.Error(t, m.Start(), "double start must fail")
	assert.True(t, m.Status().Running)

	m.Stop()
	assert.False(t, m.Status().Running)
	assert.GreaterOrEqual(t, m.Status().Cycles, uint64(1), "first cycle runs immediately")
}
