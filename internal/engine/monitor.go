package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Notifier delivers operator alerts; satisfied by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// MonitorConfig tunes the reconciliation loop.
type MonitorConfig struct {
	// Interval is the fixed wall-clock tick; an overlapping tick is skipped,
	// never queued.
	Interval time.Duration

	// UnprotectedGrace bounds how long an open position may lack exit
	// coverage before the urgent escalation fires.
	UnprotectedGrace time.Duration

	// BatchSize bounds per-bot parallelism within a cycle.
	BatchSize int

	// BatchDelay is the pause between parallel batches, a coarse nod to
	// exchange rate limits on top of the shared limiter.
	BatchDelay time.Duration

	// BotBudget caps per-bot processing time per cycle; the remainder is
	// deferred to the next tick.
	BotBudget time.Duration

	// DedupEvery runs the per-symbol duplicate-exit-order sweep every N
	// cycles; 0 disables it.
	DedupEvery uint64

	// ReservationSweepEvery runs orphaned-reservation recovery every N
	// cycles; 0 disables it.
	ReservationSweepEvery uint64

	// ReservationMaxAge is the age past which an unfinalized reservation is
	// considered orphaned.
	ReservationMaxAge time.Duration

	// ArchiveEvery runs the closed-position cold-storage sweep every N
	// cycles; 0 disables it.
	ArchiveEvery uint64

	// ArchiveAfter is the closed-position age that qualifies for archival.
	ArchiveAfter time.Duration

	// RateLimit and RateWindow pace exchange calls across monitor instances
	// sharing one API key.
	RateLimit  int
	RateWindow time.Duration
}

// DefaultMonitorConfig returns production defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:              30 * time.Second,
		UnprotectedGrace:      30 * time.Second,
		BatchSize:             4,
		BatchDelay:            250 * time.Millisecond,
		BotBudget:             20 * time.Second,
		DedupEvery:            10,
		ReservationSweepEvery: 10,
		ReservationMaxAge:     10 * time.Minute,
		ArchiveEvery:          0,
		ArchiveAfter:          30 * 24 * time.Hour,
		RateLimit:             10,
		RateWindow:            time.Second,
	}
}

// MonitorStatus is a snapshot of the loop's health.
type MonitorStatus struct {
	Running           bool
	Cycles            uint64
	SkippedTicks      uint64
	LastCycleAt       time.Time
	LastCycleDuration time.Duration
	LastCycleErr      string
}

// Monitor is the reconciliation loop: every cycle it loads active positions,
// prioritizes unprotected ones, drives the exit order manager, updates
// trailing targets, detects externally observed closes, and runs the
// periodic sweeps. Multiple monitor instances may run against the same store;
// the per-position soft lock serializes them.
type Monitor struct {
	positions    domain.PositionStore
	bots         domain.BotStore
	strategies   domain.StrategyStore
	exchange     domain.Exchange
	cache        domain.ExposureCache
	bus          domain.SignalBus
	audit        domain.AuditStore
	limiter      domain.RateLimiter
	archiver     domain.Archiver
	reservations *ReservationManager
	exits        *ExitOrderManager
	logger       *slog.Logger
	cfg          MonitorConfig

	notifier    Notifier
	initialized bool

	running  atomic.Bool
	inFlight atomic.Bool
	cycles   atomic.Uint64
	skipped  atomic.Uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	lastAt  time.Time
	lastDur time.Duration
	lastErr string
}

// NewMonitor creates a Monitor. The archiver may be nil when cold storage is
// not configured.
func NewMonitor(
	positions domain.PositionStore,
	bots domain.BotStore,
	strategies domain.StrategyStore,
	exchange domain.Exchange,
	cache domain.ExposureCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	limiter domain.RateLimiter,
	archiver domain.Archiver,
	reservations *ReservationManager,
	exits *ExitOrderManager,
	logger *slog.Logger,
	cfg MonitorConfig,
) *Monitor {
	return &Monitor{
		positions:    positions,
		bots:         bots,
		strategies:   strategies,
		exchange:     exchange,
		cache:        cache,
		bus:          bus,
		audit:        audit,
		limiter:      limiter,
		archiver:     archiver,
		reservations: reservations,
		exits:        exits,
		logger:       logger.With(slog.String("component", "monitor")),
		cfg:          cfg,
	}
}

// Initialize attaches the notifier. Must be called before Start.
func (m *Monitor) Initialize(n Notifier) error {
	if m.initialized {
		return fmt.Errorf("monitor: already initialized")
	}
	m.notifier = n
	m.initialized = true
	return nil
}

// Start launches the fixed-interval loop. The first cycle runs immediately.
func (m *Monitor) Start() error {
	if !m.initialized {
		return fmt.Errorf("monitor: not initialized")
	}
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor: already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("monitor started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("unprotected_grace", m.cfg.UnprotectedGrace),
	)
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

// Status returns a snapshot of the loop's health.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStatus{
		Running:           m.running.Load(),
		Cycles:            m.cycles.Load(),
		SkippedTicks:      m.skipped.Load(),
		LastCycleAt:       m.lastAt,
		LastCycleDuration: m.lastDur,
		LastCycleErr:      m.lastErr,
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one cycle unless the previous one is still in flight, in which
// case the tick is skipped.
func (m *Monitor) tick(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.skipped.Add(1)
		m.logger.Warn("cycle still in flight, skipping tick")
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.inFlight.Store(false)
		m.runCycle(ctx)
	}()
}

func (m *Monitor) runCycle(ctx context.Context) {
	start := time.Now()
	cycle := m.cycles.Add(1)
	err := m.reconcile(ctx, cycle)

	m.mu.Lock()
	m.lastAt = start
	m.lastDur = time.Since(start)
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.ErrorContext(ctx, "cycle failed",
			slog.Uint64("cycle", cycle),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) reconcile(ctx context.Context, cycle uint64) error {
	active, err := m.positions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("monitor: list active positions: %w", err)
	}

	params, err := m.loadStrategies(ctx, active)
	if err != nil {
		return err
	}

	byBot := make(map[string][]*domain.Position)
	for i := range active {
		p := &active[i]
		byBot[p.BotID] = append(byBot[p.BotID], p)
	}

	for botID, list := range byBot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		m.processBot(ctx, botID, list, params)
	}

	if m.cfg.DedupEvery > 0 && cycle%m.cfg.DedupEvery == 0 {
		m.dedupSweep(ctx, active, params)
	}
	if m.cfg.ReservationSweepEvery > 0 && cycle%m.cfg.ReservationSweepEvery == 0 {
		if n, err := m.reservations.RecoverStale(ctx, m.positions, m.cfg.ReservationMaxAge); err != nil {
			m.logger.WarnContext(ctx, "reservation sweep failed",
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			m.logger.InfoContext(ctx, "reservation sweep recovered orphans",
				slog.Int("count", n),
			)
		}
	}
	if m.archiver != nil && m.cfg.ArchiveEvery > 0 && cycle%m.cfg.ArchiveEvery == 0 {
		cutoff := time.Now().UTC().Add(-m.cfg.ArchiveAfter)
		if n, err := m.archiver.ArchiveClosedPositions(ctx, cutoff); err != nil {
			m.logger.WarnContext(ctx, "archive sweep failed",
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			m.logger.InfoContext(ctx, "archived closed positions",
				slog.Int64("count", n),
			)
		}
	}
	return nil
}

func (m *Monitor) loadStrategies(ctx context.Context, active []domain.Position) (map[string]domain.StrategyParams, error) {
	seen := make(map[string]struct{})
	var ids []string
	for i := range active {
		id := active[i].StrategyID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]domain.StrategyParams{}, nil
	}
	params, err := m.strategies.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("monitor: load strategies: %w", err)
	}
	return params, nil
}

// processBot splits the bot's positions into priority classes and works them
// in bounded parallel batches, deferring the remainder once the per-bot time
// budget is spent.
func (m *Monitor) processBot(ctx context.Context, botID string, list []*domain.Position, params map[string]domain.StrategyParams) {
	now := time.Now()
	deadline := now.Add(m.cfg.BotBudget)

	var high, low []*domain.Position
	for _, p := range list {
		if m.isHighPriority(p) {
			if p.Status == domain.PositionStatusOpen && !p.Protected() && p.Age(now) > m.cfg.UnprotectedGrace {
				m.escalateUnprotected(ctx, p)
			}
			high = append(high, p)
		} else {
			low = append(low, p)
		}
	}

	// Freshly filled positions get covered before stale ones.
	sort.Slice(high, func(i, j int) bool {
		return effectiveOpenTime(high[i]).After(effectiveOpenTime(high[j]))
	})

	ordered := append(high, low...)
	for len(ordered) > 0 {
		if time.Now().After(deadline) {
			m.logger.WarnContext(ctx, "bot cycle budget exhausted, deferring remainder",
				slog.String("bot_id", botID),
				slog.Int("deferred", len(ordered)),
			)
			return
		}

		batch := ordered
		if len(batch) > m.cfg.BatchSize {
			batch = batch[:m.cfg.BatchSize]
		}
		ordered = ordered[len(batch):]

		g, batchCtx := errgroup.WithContext(ctx)
		g.SetLimit(m.cfg.BatchSize)
		for _, p := range batch {
			pos := p
			g.Go(func() error {
				// One bad position never stalls the rest of the batch.
				m.processPosition(batchCtx, pos, params[pos.StrategyID])
				return nil
			})
		}
		_ = g.Wait()

		if len(ordered) > 0 && m.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.BatchDelay):
			}
		}
	}
}

func (m *Monitor) isHighPriority(p *domain.Position) bool {
	if p.Status == domain.PositionStatusEntryPending {
		return true
	}
	return !p.Protected() || p.TpSlPending
}

func effectiveOpenTime(p *domain.Position) time.Time {
	if p.OpenedAt.IsZero() {
		return p.CreatedAt
	}
	return p.OpenedAt
}

// escalateUnprotected fires the unbounded-risk alarm for a position open past
// the grace window without exit coverage.
func (m *Monitor) escalateUnprotected(ctx context.Context, p *domain.Position) {
	age := p.Age(time.Now())
	m.logger.ErrorContext(ctx, "URGENT: position unprotected past grace window",
		slog.String("position_id", p.ID),
		slog.String("bot_id", p.BotID),
		slog.String("symbol", p.Symbol),
		slog.Duration("age", age),
	)

	if err := m.audit.Log(ctx, "position_unprotected", map[string]any{
		"position_id": p.ID,
		"bot_id":      p.BotID,
		"symbol":      p.Symbol,
		"age":         age.String(),
	}); err != nil {
		m.logger.ErrorContext(ctx, "audit write failed", slog.String("error", err.Error()))
	}

	publishPositionEvent(ctx, m.bus, m.logger, EventPositionUnprotected, p, map[string]any{
		"age": age.String(),
	})

	if m.notifier != nil {
		msg := fmt.Sprintf("position %s (%s %s) has no exit coverage after %s",
			p.ID, p.Symbol, p.Side, age.Round(time.Second))
		if err := m.notifier.Notify(ctx, EventPositionUnprotected, "Unprotected position", msg); err != nil {
			m.logger.WarnContext(ctx, "escalation notify failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// processPosition works a single position under the cross-process soft lock.
// Errors are logged, never returned: the next cycle retries.
func (m *Monitor) processPosition(ctx context.Context, pos *domain.Position, params domain.StrategyParams) {
	claimed, err := m.positions.Claim(ctx, pos.ID)
	if err != nil {
		m.logger.WarnContext(ctx, "claim failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !claimed {
		// Another monitor instance holds it.
		return
	}
	defer func() {
		if err := m.positions.Release(ctx, pos.ID); err != nil {
			m.logger.ErrorContext(ctx, "release failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := m.limiter.Wait(ctx, "exchange:"+pos.BotID, m.cfg.RateLimit, m.cfg.RateWindow); err != nil {
		m.logger.WarnContext(ctx, "rate limiter wait failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	switch pos.Status {
	case domain.PositionStatusEntryPending:
		m.reconcileEntry(ctx, pos)
	case domain.PositionStatusOpen:
		m.reconcileOpen(ctx, pos, params)
	}
}

// reconcileEntry settles an entry_pending position against the exchange's
// view of its entry order, finalizing the transferred reservation either way.
func (m *Monitor) reconcileEntry(ctx context.Context, pos *domain.Position) {
	order, err := m.exchange.GetOrder(ctx, pos.Symbol, pos.EntryOrderID)
	if err != nil {
		if domain.IsOrderGone(err) {
			m.cancelEntry(ctx, pos)
			return
		}
		m.logger.WarnContext(ctx, "entry order probe failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	switch {
	case order.Status == domain.OrderStatusFilled:
		fill := order.AvgFillPrice
		if fill <= 0 {
			fill = pos.EntryPrice
		}
		now := time.Now().UTC()
		if err := m.positions.PromoteToOpen(ctx, pos.ID, fill, now); err != nil {
			m.logger.ErrorContext(ctx, "promote failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		pos.Status = domain.PositionStatusOpen
		pos.EntryPrice = fill
		pos.Amount = fill * pos.Quantity
		pos.OpenedAt = now

		if err := m.reservations.SettleOldest(ctx, pos.BotID, pos.Symbol, domain.ReservationReleased); err != nil {
			m.logger.WarnContext(ctx, "reservation settle failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
		m.invalidateExposure(ctx, pos.BotID, pos.Symbol)
		publishPositionEvent(ctx, m.bus, m.logger, EventPositionOpened, pos, nil)
		m.logger.InfoContext(ctx, "pending entry filled, position opened",
			slog.String("position_id", pos.ID),
			slog.Float64("fill_price", fill),
		)

	case !order.Status.Live():
		// Canceled, expired, or rejected upstream.
		m.cancelEntry(ctx, pos)
	}
}

func (m *Monitor) cancelEntry(ctx context.Context, pos *domain.Position) {
	if err := m.positions.CancelPosition(ctx, pos.ID); err != nil {
		m.logger.ErrorContext(ctx, "cancel position failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	pos.Status = domain.PositionStatusCanceled

	if err := m.reservations.SettleOldest(ctx, pos.BotID, pos.Symbol, domain.ReservationCancelled); err != nil {
		m.logger.WarnContext(ctx, "reservation settle failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	m.invalidateExposure(ctx, pos.BotID, pos.Symbol)
	m.logger.InfoContext(ctx, "pending entry never filled, position canceled",
		slog.String("position_id", pos.ID),
	)
}

// reconcileOpen verifies exit coverage, applies trailing progress, and
// detects externally observed closes for one open position.
func (m *Monitor) reconcileOpen(ctx context.Context, pos *domain.Position, params domain.StrategyParams) {
	// Step 1: verify the recorded exit order is still live.
	if pos.Protected() {
		closed := m.verifyExitOrder(ctx, pos)
		if closed {
			return
		}
	}

	marketPrice, err := m.exchange.GetTickerPrice(ctx, pos.Symbol)
	if err != nil {
		m.logger.WarnContext(ctx, "ticker failed",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
		return
	}

	// Step 2: recompute the target from strategy parameters and trailing
	// progress.
	desired, trailing := nextExitTarget(pos, params, marketPrice)
	if desired <= 0 {
		return
	}

	if trailing {
		if err := m.positions.SetTargets(ctx, pos.ID, pos.TakeProfitPrice, desired); err != nil {
			m.logger.WarnContext(ctx, "persist trailing target failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		pos.StopLossPrice = desired
	}

	// Step 3: delegate to the exit order manager when the position lacks
	// coverage, is flagged for re-evaluation, or the target moved.
	if pos.Protected() && !pos.TpSlPending && !trailing {
		return
	}

	res, err := m.exits.PlaceOrReplaceExitOrder(ctx, pos, desired, ExitOptions{Trailing: trailing})
	if err != nil {
		// tp_sl_pending is already set by the exit manager; next cycle
		// retries.
		m.logger.WarnContext(ctx, "exit order placement failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if res.ClosedNow {
		m.afterClose(ctx, pos, res.EffectivePrice, domain.CloseReasonMarketClose)
	}
}

// verifyExitOrder probes the recorded exit order. It returns true when the
// position was closed as a result (trigger filled or externally closed).
func (m *Monitor) verifyExitOrder(ctx context.Context, pos *domain.Position) bool {
	order, err := m.exchange.GetOrder(ctx, pos.Symbol, *pos.ExitOrderID)
	if err != nil {
		if domain.IsOrderGone(err) {
			m.clearExitRef(ctx, pos)
		} else {
			m.logger.WarnContext(ctx, "exit order probe failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	switch {
	case order.Status == domain.OrderStatusFilled:
		// The protective trigger fired: the position is closed on the
		// exchange, reconcile locally.
		reason := domain.CloseReasonStopLoss
		if order.Type == domain.OrderTypeTakeProfitMarket {
			reason = domain.CloseReasonTakeProfit
		}
		closePrice := order.AvgFillPrice
		if closePrice <= 0 {
			closePrice = order.StopPrice
		}
		if err := m.positions.ClosePosition(ctx, pos.ID, closePrice, reason); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				m.logger.ErrorContext(ctx, "close position failed",
					slog.String("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
			}
			return false
		}
		m.afterClose(ctx, pos, closePrice, reason)
		return true

	case !order.Status.Live():
		// Canceled or expired out from under us: recreate coverage.
		m.clearExitRef(ctx, pos)
		return false
	}
	return false
}

func (m *Monitor) clearExitRef(ctx context.Context, pos *domain.Position) {
	if err := m.positions.SetExitOrder(ctx, pos.ID, nil); err != nil {
		m.logger.ErrorContext(ctx, "clear exit order reference failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	pos.ExitOrderID = nil
	m.logger.WarnContext(ctx, "recorded exit order gone, coverage will be recreated",
		slog.String("position_id", pos.ID),
	)
}

// afterClose handles the shared bookkeeping once a position reached closed.
func (m *Monitor) afterClose(ctx context.Context, pos *domain.Position, closePrice float64, reason domain.CloseReason) {
	pos.Status = domain.PositionStatusClosed
	pos.ComputePnL(closePrice)
	m.invalidateExposure(ctx, pos.BotID, pos.Symbol)

	publishPositionEvent(ctx, m.bus, m.logger, EventPositionClosed, pos, map[string]any{
		"close_price":  closePrice,
		"close_reason": reason,
		"pnl":          pos.PnL,
		"pnl_percent":  pos.PnLPercent,
	})

	if m.notifier != nil {
		msg := fmt.Sprintf("%s %s closed (%s) at %.8g, PnL %.2f (%.2f%%)",
			pos.Symbol, pos.Side, reason, closePrice, pos.PnL, pos.PnLPercent)
		if err := m.notifier.Notify(ctx, EventPositionClosed, "Position closed", msg); err != nil {
			m.logger.WarnContext(ctx, "close notify failed",
				slog.String("error", err.Error()),
			)
		}
	}

	m.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", pos.ID),
		slog.String("reason", string(reason)),
		slog.Float64("close_price", closePrice),
		slog.Float64("pnl", pos.PnL),
	)
}

// dedupSweep cancels exchange-side duplicate exit orders beyond the expected
// set, per symbol. Stop-loss orders are never cancelled for symbols where any
// position's strategy requires a hard stop; only redundant take-profit-side
// duplicates may be removed there.
func (m *Monitor) dedupSweep(ctx context.Context, active []domain.Position, params map[string]domain.StrategyParams) {
	type symbolState struct {
		expected  map[string]struct{}
		hardStops bool
	}
	symbols := make(map[string]*symbolState)
	for i := range active {
		p := &active[i]
		if p.Status != domain.PositionStatusOpen {
			continue
		}
		st, ok := symbols[p.Symbol]
		if !ok {
			st = &symbolState{expected: make(map[string]struct{})}
			symbols[p.Symbol] = st
		}
		if p.ExitOrderID != nil {
			st.expected[*p.ExitOrderID] = struct{}{}
		}
		if params[p.StrategyID].HasHardStopLoss() {
			st.hardStops = true
		}
	}

	for symbol, st := range symbols {
		select {
		case <-ctx.Done():
			return
		default:
		}

		open, err := m.exchange.GetOpenOrders(ctx, symbol)
		if err != nil {
			m.logger.WarnContext(ctx, "dedup scan failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, o := range open {
			if !o.Type.IsExitType() || !o.ClosePosition {
				continue
			}
			if _, ok := st.expected[o.OrderID]; ok {
				continue
			}
			if o.Type == domain.OrderTypeStopMarket && st.hardStops {
				// A strategy on this symbol requires a standing stop loss;
				// an unexpected stop order is safer left in place than
				// cancelled by a sweep.
				continue
			}

			m.logger.WarnContext(ctx, "dedup sweep cancelling duplicate exit order",
				slog.String("symbol", symbol),
				slog.String("order_id", o.OrderID),
				slog.String("type", string(o.Type)),
			)
			if err := m.exchange.CancelOrder(ctx, symbol, o.OrderID); err != nil && !domain.IsOrderGone(err) {
				m.logger.WarnContext(ctx, "dedup cancel failed",
					slog.String("order_id", o.OrderID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (m *Monitor) invalidateExposure(ctx context.Context, botID, symbol string) {
	if err := m.cache.InvalidateNotional(ctx, botID, symbol); err != nil {
		m.logger.WarnContext(ctx, "exposure cache invalidation failed",
			slog.String("bot_id", botID),
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
	if err := m.cache.InvalidateCount(ctx, botID); err != nil {
		m.logger.WarnContext(ctx, "count cache invalidation failed",
			slog.String("bot_id", botID),
			slog.String("error", err.Error()),
		)
	}
}
