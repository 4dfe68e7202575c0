package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// ExecutorConfig tunes signal execution.
type ExecutorConfig struct {
	// MinNotional is the exchange's minimum order value floor; signals below
	// it are dropped.
	MinNotional float64

	// MarketDistance is the fractional price distance beyond which a limit
	// entry is converted to market (0.005 = 0.5%).
	MarketDistance float64

	// MarketFallback converts a soft-rejected limit entry into a market
	// retry instead of dropping the signal.
	MarketFallback bool

	// ImmediateProtect fires a non-blocking protective-order attempt right
	// after the fill; the monitor remains the guaranteed fallback.
	ImmediateProtect bool

	// ProtectTimeout bounds the immediate protection attempt.
	ProtectTimeout time.Duration
}

// DefaultExecutorConfig returns production defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MinNotional:      5.0,
		MarketDistance:   0.005,
		MarketFallback:   true,
		ImmediateProtect: true,
		ProtectTimeout:   10 * time.Second,
	}
}

// Executor turns an admitted trade signal into exactly one durable position,
// with reservation accounting around the exchange call.
type Executor struct {
	admission    *AdmissionController
	reservations *ReservationManager
	exits        *ExitOrderManager
	positions    domain.PositionStore
	strategies   domain.StrategyStore
	exchange     domain.Exchange
	cache        domain.ExposureCache
	bus          domain.SignalBus
	logger       *slog.Logger
	cfg          ExecutorConfig
}

// NewExecutor creates an Executor with all required dependencies.
func NewExecutor(
	admission *AdmissionController,
	reservations *ReservationManager,
	exits *ExitOrderManager,
	positions domain.PositionStore,
	strategies domain.StrategyStore,
	exchange domain.Exchange,
	cache domain.ExposureCache,
	bus domain.SignalBus,
	logger *slog.Logger,
	cfg ExecutorConfig,
) *Executor {
	return &Executor{
		admission:    admission,
		reservations: reservations,
		exits:        exits,
		positions:    positions,
		strategies:   strategies,
		exchange:     exchange,
		cache:        cache,
		bus:          bus,
		logger:       logger.With(slog.String("component", "executor")),
		cfg:          cfg,
	}
}

// ExecuteSignal converts a trade signal into a position. It returns (nil, nil)
// when the signal is dropped for an expected reason (admission rejection,
// soft exchange reject, below minimum notional); unexpected errors propagate
// after full-context logging. The reservation taken around the exchange call
// is finalized exactly once along every path.
func (ex *Executor) ExecuteSignal(ctx context.Context, sig domain.TradeSignal) (*domain.Position, error) {
	log := ex.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("bot_id", sig.BotID),
		slog.String("symbol", sig.Symbol),
		slog.String("side", string(sig.Side)),
	)

	if !sig.ExpiresAt.IsZero() && time.Now().After(sig.ExpiresAt) {
		log.InfoContext(ctx, "signal expired, dropping")
		return nil, nil
	}

	// Check 1: minimum notional guard.
	if sig.Amount < ex.cfg.MinNotional {
		log.WarnContext(ctx, "signal below minimum notional, dropping",
			slog.Float64("amount", sig.Amount),
			slog.Float64("min_notional", ex.cfg.MinNotional),
		)
		return nil, nil
	}

	// Check 2: both admission ceilings. Rejections drop the signal quietly.
	admit := ex.admission.CanOpenNewPosition(ctx, sig.BotID, sig.Symbol, sig.Amount)
	if !admit.Admitted {
		log.InfoContext(ctx, "signal rejected by admission",
			slog.String("reason", string(admit.Reason)),
		)
		return nil, nil
	}

	params, err := ex.strategies.GetByID(ctx, sig.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("executor: load strategy %s: %w", sig.StrategyID, err)
	}

	marketPrice, err := ex.exchange.GetTickerPrice(ctx, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("executor: ticker %s: %w", sig.Symbol, err)
	}

	// Reserve the exposure before touching the exchange. The deferred cancel
	// is a no-op once the reservation is released or transferred, so every
	// exit path below finalizes exactly once.
	reservation, err := ex.reservations.Acquire(ctx, sig.BotID, sig.Symbol, sig.Amount)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cancelErr := reservation.Cancel(ctx); cancelErr != nil {
			log.ErrorContext(ctx, "reservation cancel failed",
				slog.String("token", reservation.Token()),
				slog.String("error", cancelErr.Error()),
			)
		}
	}()

	orderType := entryOrderType(sig.Side, sig.Price, marketPrice, ex.cfg.MarketDistance, params.ForceMarketEntry)
	refPrice := sig.Price
	if orderType == domain.OrderTypeMarket {
		refPrice = marketPrice
	}
	qty := sig.Quantity(refPrice)
	if qty <= 0 {
		log.WarnContext(ctx, "signal yields zero quantity, dropping",
			slog.Float64("ref_price", refPrice),
		)
		return nil, nil
	}

	order, orderType, err := ex.placeEntry(ctx, log, sig, orderType, qty)
	if err != nil {
		if domain.IsSoftReject(err) {
			log.WarnContext(ctx, "entry soft-rejected by exchange, dropping signal",
				slog.String("category", string(domain.RejectCategoryOf(err))),
				slog.String("error", err.Error()),
			)
			return nil, nil
		}
		log.ErrorContext(ctx, "entry order failed",
			slog.String("type", string(orderType)),
			slog.Float64("qty", qty),
			slog.Float64("price", sig.Price),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("executor: place entry: %w", err)
	}

	filled, fillPrice := ex.effectiveFillPrice(ctx, log, sig, order, orderType, marketPrice)

	provisional := sig.Price
	if filled {
		provisional = fillPrice
	}
	tp, sl := computeTargets(params, sig.Side, provisional)

	now := time.Now().UTC()
	pos := domain.Position{
		ID:              uuid.New().String(),
		BotID:           sig.BotID,
		StrategyID:      sig.StrategyID,
		Symbol:          sig.Symbol,
		Side:            sig.Side,
		Status:          domain.PositionStatusEntryPending,
		EntryPrice:      provisional,
		Quantity:        qty,
		Amount:          provisional * qty,
		TakeProfitPrice: tp,
		StopLossPrice:   sl,
		EntryOrderID:    order.OrderID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := ex.positions.Create(ctx, pos); err != nil {
		return nil, fmt.Errorf("executor: create position: %w", err)
	}
	// The row now carries committed notional; drop the exposure snapshot
	// before anything else so concurrent admissions re-query the store.
	ex.invalidateExposure(ctx, sig.BotID, sig.Symbol)

	if !filled {
		// A working limit entry: the monitor's entry reconciliation inherits
		// both the position and the reservation.
		if err := reservation.Transfer(ctx, "position_monitor"); err != nil {
			log.ErrorContext(ctx, "reservation transfer failed",
				slog.String("token", reservation.Token()),
				slog.String("error", err.Error()),
			)
		}
		log.InfoContext(ctx, "entry order working, position pending",
			slog.String("position_id", pos.ID),
			slog.String("order_id", order.OrderID),
		)
		return &pos, nil
	}

	if err := ex.positions.PromoteToOpen(ctx, pos.ID, fillPrice, now); err != nil {
		// The position row exists; hand the reservation to the monitor so
		// reconciliation settles both.
		if trErr := reservation.Transfer(ctx, "position_monitor"); trErr != nil {
			log.ErrorContext(ctx, "reservation transfer failed",
				slog.String("error", trErr.Error()),
			)
		}
		return nil, fmt.Errorf("executor: promote position %s: %w", pos.ID, err)
	}
	pos.Status = domain.PositionStatusOpen
	pos.EntryPrice = fillPrice
	pos.Amount = fillPrice * qty
	pos.OpenedAt = now

	if err := reservation.Release(ctx); err != nil {
		log.ErrorContext(ctx, "reservation release failed",
			slog.String("token", reservation.Token()),
			slog.String("error", err.Error()),
		)
	}
	ex.invalidateExposure(ctx, sig.BotID, sig.Symbol)
	publishPositionEvent(ctx, ex.bus, log, EventPositionOpened, &pos, nil)

	log.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.Float64("entry_price", fillPrice),
		slog.Float64("quantity", qty),
		slog.String("entry_type", string(orderType)),
	)

	if ex.cfg.ImmediateProtect {
		ex.protectAsync(pos, params)
	}
	return &pos, nil
}

// placeEntry submits the entry order, falling back to market once on a soft
// reject when configured.
func (ex *Executor) placeEntry(ctx context.Context, log *slog.Logger, sig domain.TradeSignal, orderType domain.OrderType, qty float64) (domain.ExchangeOrder, domain.OrderType, error) {
	spec := domain.OrderSpec{
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Type:          orderType,
		Quantity:      qty,
		ClientOrderID: "fb-entry-" + uuid.New().String()[:8],
	}
	if orderType == domain.OrderTypeLimit {
		spec.Price = sig.Price
	}

	order, err := ex.exchange.PlaceOrder(ctx, spec)
	if err == nil {
		return order, orderType, nil
	}

	if domain.IsSoftReject(err) && orderType == domain.OrderTypeLimit && ex.cfg.MarketFallback {
		log.WarnContext(ctx, "limit entry soft-rejected, falling back to market",
			slog.String("category", string(domain.RejectCategoryOf(err))),
		)
		spec.Type = domain.OrderTypeMarket
		spec.Price = 0
		spec.ClientOrderID = "fb-entry-" + uuid.New().String()[:8]
		order, err = ex.exchange.PlaceOrder(ctx, spec)
		return order, domain.OrderTypeMarket, err
	}
	return domain.ExchangeOrder{}, orderType, err
}

// effectiveFillPrice determines whether the entry is filled and at what
// price. Market orders report their average fill; limit orders are probed
// immediately, treating a stale "open" status as filled when the market has
// already crossed through the limit.
func (ex *Executor) effectiveFillPrice(ctx context.Context, log *slog.Logger, sig domain.TradeSignal, order domain.ExchangeOrder, orderType domain.OrderType, marketPrice float64) (bool, float64) {
	if orderType == domain.OrderTypeMarket {
		if order.AvgFillPrice > 0 {
			return true, order.AvgFillPrice
		}
		if avg, err := ex.exchange.GetOrderAvgFillPrice(ctx, sig.Symbol, order.OrderID); err == nil && avg > 0 {
			return true, avg
		}
		return true, marketPrice
	}

	probe, err := ex.exchange.GetOrder(ctx, sig.Symbol, order.OrderID)
	if err != nil {
		log.WarnContext(ctx, "limit entry status probe failed",
			slog.String("order_id", order.OrderID),
			slog.String("error", err.Error()),
		)
		return false, 0
	}
	if probe.Status == domain.OrderStatusFilled {
		if probe.AvgFillPrice > 0 {
			return true, probe.AvgFillPrice
		}
		return true, sig.Price
	}

	// Reporting lag: the market can cross through the limit while the status
	// still reads open. Check against a fresh ticker and treat as filled at
	// the best available price.
	fresh, tickerErr := ex.exchange.GetTickerPrice(ctx, sig.Symbol)
	if tickerErr != nil {
		fresh = marketPrice
	}
	if crossedThrough(sig.Side, sig.Price, fresh) {
		log.InfoContext(ctx, "market crossed through limit with stale status, treating as filled",
			slog.String("order_id", order.OrderID),
			slog.Float64("limit", sig.Price),
			slog.Float64("market", fresh),
		)
		return true, sig.Price
	}
	return false, 0
}

// protectAsync fires the immediate protective-order attempt without blocking
// the signal path. Failures are logged only; the monitor is the guaranteed
// fallback.
func (ex *Executor) protectAsync(pos domain.Position, params domain.StrategyParams) {
	go ex.protect(pos, params)
}

func (ex *Executor) protect(pos domain.Position, params domain.StrategyParams) {
	ctx, cancel := context.WithTimeout(context.Background(), ex.cfg.ProtectTimeout)
	defer cancel()

	// Claim the per-position soft lock so a concurrent monitor cycle cannot
	// place a second exit order for the same position. If the monitor got
	// there first, its attempt supersedes this one.
	claimed, err := ex.positions.Claim(ctx, pos.ID)
	if err != nil {
		ex.logger.WarnContext(ctx, "immediate protection claim failed, monitor will retry",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !claimed {
		return
	}
	defer func() {
		if err := ex.positions.Release(ctx, pos.ID); err != nil {
			ex.logger.ErrorContext(ctx, "release failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	desired := pos.StopLossPrice
	if desired <= 0 {
		desired = pos.TakeProfitPrice
	}
	if _, err := ex.exits.PlaceOrReplaceExitOrder(ctx, &pos, desired, ExitOptions{}); err != nil {
		ex.logger.WarnContext(ctx, "immediate protection attempt failed, monitor will retry",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (ex *Executor) invalidateExposure(ctx context.Context, botID, symbol string) {
	if err := ex.cache.InvalidateNotional(ctx, botID, symbol); err != nil {
		ex.logger.WarnContext(ctx, "exposure cache invalidation failed",
			slog.String("bot_id", botID),
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
	if err := ex.cache.InvalidateCount(ctx, botID); err != nil {
		ex.logger.WarnContext(ctx, "count cache invalidation failed",
			slog.String("bot_id", botID),
			slog.String("error", err.Error()),
		)
	}
}

// entryOrderType picks MARKET when the market already crossed the desired
// entry, sits further than the configured distance from it, or the strategy
// forces market entries; otherwise LIMIT.
func entryOrderType(side domain.Side, desired, market, distance float64, forceMarket bool) domain.OrderType {
	if forceMarket || desired <= 0 || market <= 0 {
		return domain.OrderTypeMarket
	}
	if crossedThrough(side, desired, market) {
		return domain.OrderTypeMarket
	}
	if math.Abs(market-desired)/desired > distance {
		return domain.OrderTypeMarket
	}
	return domain.OrderTypeLimit
}

// crossedThrough reports whether the market has moved through the limit price
// in the fill direction: at or below a long's buy limit, at or above a
// short's sell limit.
func crossedThrough(side domain.Side, limit, market float64) bool {
	if side == domain.SideLong {
		return market <= limit
	}
	return market >= limit
}
