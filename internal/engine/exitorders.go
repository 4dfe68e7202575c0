package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// ExitConfig tunes the exit order manager.
type ExitConfig struct {
	// NudgeBuffer is the fractional distance a trailing trigger is pushed
	// beyond the current market price when the desired level has already
	// been overtaken (0.001 = 0.1%).
	NudgeBuffer float64

	// DuplicateRetries bounds retries after a duplicate-client-id rejection.
	DuplicateRetries int
}

// DefaultExitConfig returns production defaults.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		NudgeBuffer:      0.001,
		DuplicateRetries: 1,
	}
}

// ExitResult reports the outcome of PlaceOrReplaceExitOrder. ClosedNow means
// the position was closed at market by this call and no exit order exists.
type ExitResult struct {
	OrderID        string
	EffectivePrice float64
	ClosedNow      bool
}

// ExitOptions distinguishes an initial placement from a trailing update: an
// overtaken initial target closes the position, an overtaken trailing target
// is nudged beyond the market instead.
type ExitOptions struct {
	Trailing bool
}

// ExitOrderManager maintains the invariant that each open position has at
// most one live protective order on the exchange, using a replace-then-place
// protocol with orphan cleanup.
type ExitOrderManager struct {
	exchange  domain.Exchange
	positions domain.PositionStore
	logger    *slog.Logger
	cfg       ExitConfig
}

// NewExitOrderManager creates an ExitOrderManager.
func NewExitOrderManager(exchange domain.Exchange, positions domain.PositionStore, logger *slog.Logger, cfg ExitConfig) *ExitOrderManager {
	return &ExitOrderManager{
		exchange:  exchange,
		positions: positions,
		logger:    logger.With(slog.String("component", "exit_orders")),
		cfg:       cfg,
	}
}

// DecideExitType selects the protective order type by which side of the entry
// price the target sits. The exchange rejects a trigger placed on the wrong
// side of the current market; keying the type off the entry keeps the order
// on the non-triggering side.
func DecideExitType(side domain.Side, entryPrice, desiredExitPrice float64) domain.OrderType {
	switch side {
	case domain.SideLong:
		if desiredExitPrice > entryPrice {
			return domain.OrderTypeTakeProfitMarket
		}
		return domain.OrderTypeStopMarket
	default: // short
		if desiredExitPrice < entryPrice {
			return domain.OrderTypeTakeProfitMarket
		}
		return domain.OrderTypeStopMarket
	}
}

// exitClientIDPrefix is the deterministic client-order-id prefix for a
// position's protective orders; the duplicate-rejection rescan matches on it.
func exitClientIDPrefix(positionID string) string {
	id := positionID
	if len(id) > 8 {
		id = id[:8]
	}
	return "fb-" + id + "-"
}

func newExitClientID(positionID string) string {
	return exitClientIDPrefix(positionID) + uuid.New().String()[:8]
}

// PlaceOrReplaceExitOrder reconciles the position's protective order to the
// desired trigger price. It returns ClosedNow when the position was closed at
// market instead of being re-protected.
//
// On any create failure the position's tp_sl_pending flag is set so the next
// monitor cycle retries; leaving a position unprotected is the greater risk.
func (em *ExitOrderManager) PlaceOrReplaceExitOrder(ctx context.Context, pos *domain.Position, desiredExitPrice float64, opts ExitOptions) (ExitResult, error) {
	// Step 1: best-effort orphan cleanup. Prior partial failures can leave
	// close orders the store no longer references.
	em.cleanupOrphans(ctx, pos)

	marketPrice, err := em.exchange.GetTickerPrice(ctx, pos.Symbol)
	if err != nil {
		em.flagPending(ctx, pos)
		return ExitResult{}, fmt.Errorf("exit orders: ticker %s: %w", pos.Symbol, err)
	}

	// Step 2: the market may already have moved past the desired exit
	// favorably. An initial target that stale means the profit is already
	// there: close now rather than placing an order that can never fire
	// correctly. A trailing target is nudged beyond the market instead.
	if passedFavorably(pos.Side, pos.EntryPrice, desiredExitPrice, marketPrice) {
		if !opts.Trailing {
			closePrice, err := em.closeAtMarket(ctx, pos, domain.CloseReasonMarketClose)
			if err != nil {
				em.flagPending(ctx, pos)
				return ExitResult{}, err
			}
			return ExitResult{EffectivePrice: closePrice, ClosedNow: true}, nil
		}
		desiredExitPrice = nudgeBeyondMarket(pos.Side, marketPrice, em.cfg.NudgeBuffer)
		em.logger.InfoContext(ctx, "trailing target overtaken, nudged beyond market",
			slog.String("position_id", pos.ID),
			slog.Float64("market", marketPrice),
			slog.Float64("nudged", desiredExitPrice),
		)
	}

	// Step 3: cancel the existing exit order before creating the new one.
	if pos.Protected() {
		if err := em.cancelTolerant(ctx, pos.Symbol, *pos.ExitOrderID); err != nil {
			em.flagPending(ctx, pos)
			return ExitResult{}, fmt.Errorf("exit orders: cancel %s: %w", *pos.ExitOrderID, err)
		}
	}

	// Step 4: create the replacement, with a bounded duplicate-client-id
	// retry and a market-close fallback on would-immediately-trigger.
	order, closedNow, err := em.createExitOrder(ctx, pos, desiredExitPrice)
	if err != nil {
		em.flagPending(ctx, pos)
		return ExitResult{}, err
	}
	if closedNow {
		return ExitResult{EffectivePrice: marketPrice, ClosedNow: true}, nil
	}

	if err := em.positions.SetExitOrder(ctx, pos.ID, &order.OrderID); err != nil {
		em.flagPending(ctx, pos)
		return ExitResult{}, fmt.Errorf("exit orders: record exit order %s: %w", order.OrderID, err)
	}
	if pos.TpSlPending {
		if err := em.positions.SetTpSlPending(ctx, pos.ID, false); err != nil {
			em.logger.WarnContext(ctx, "clear tp_sl_pending failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	pos.ExitOrderID = &order.OrderID
	pos.TpSlPending = false

	return ExitResult{OrderID: order.OrderID, EffectivePrice: desiredExitPrice}, nil
}

// createExitOrder places the protective order for the desired trigger. The
// bool result reports that the position was market-closed by the
// would-trigger fallback.
func (em *ExitOrderManager) createExitOrder(ctx context.Context, pos *domain.Position, desired float64) (domain.ExchangeOrder, bool, error) {
	attempts := 1 + em.cfg.DuplicateRetries
	for attempt := 0; attempt < attempts; attempt++ {
		order, err := em.placeByType(ctx, pos, desired, newExitClientID(pos.ID))
		if err == nil {
			return order, false, nil
		}

		if domain.IsDuplicateClientID(err) && attempt < attempts-1 {
			// A prior attempt's order may have landed despite the error we
			// saw. Rescan and clear anything carrying our id pattern, then
			// retry once.
			em.logger.WarnContext(ctx, "duplicate client id on exit order, rescanning",
				slog.String("position_id", pos.ID),
			)
			em.cancelByClientIDPrefix(ctx, pos.Symbol, exitClientIDPrefix(pos.ID))
			continue
		}

		if domain.IsWouldTrigger(err) {
			// The trigger sits on the firing side of the market no matter
			// what we do: take the exit at market instead.
			em.logger.WarnContext(ctx, "exit order would immediately trigger, closing at market",
				slog.String("position_id", pos.ID),
				slog.Float64("desired", desired),
			)
			if _, closeErr := em.closeAtMarket(ctx, pos, domain.CloseReasonMarketClose); closeErr != nil {
				return domain.ExchangeOrder{}, false, closeErr
			}
			return domain.ExchangeOrder{}, true, nil
		}

		return domain.ExchangeOrder{}, false, fmt.Errorf("exit orders: create for %s: %w", pos.ID, err)
	}
	return domain.ExchangeOrder{}, false, fmt.Errorf("exit orders: create for %s: duplicate client id retries exhausted", pos.ID)
}

func (em *ExitOrderManager) placeByType(ctx context.Context, pos *domain.Position, desired float64, clientID string) (domain.ExchangeOrder, error) {
	switch DecideExitType(pos.Side, pos.EntryPrice, desired) {
	case domain.OrderTypeTakeProfitMarket:
		return em.exchange.CreateCloseTakeProfitMarket(ctx, pos.Symbol, pos.Side, desired, clientID)
	default:
		return em.exchange.CreateCloseStopMarket(ctx, pos.Symbol, pos.Side, desired, clientID)
	}
}

// closeAtMarket closes the whole position with a reduce-only market order and
// records the transition. A position found already flat on the exchange is
// closed as externally observed.
func (em *ExitOrderManager) closeAtMarket(ctx context.Context, pos *domain.Position, reason domain.CloseReason) (float64, error) {
	if pos.Protected() {
		if err := em.cancelTolerant(ctx, pos.Symbol, *pos.ExitOrderID); err != nil {
			return 0, fmt.Errorf("exit orders: cancel before market close: %w", err)
		}
	}

	qty, err := em.exchange.GetClosableQuantity(ctx, pos.Symbol, pos.Side)
	if err != nil {
		return 0, fmt.Errorf("exit orders: closable quantity %s: %w", pos.Symbol, err)
	}

	closePrice := 0.0
	if qty > 0 {
		order, err := em.exchange.PlaceOrder(ctx, domain.OrderSpec{
			Symbol:        pos.Symbol,
			Side:          pos.Side.Opposite(),
			Type:          domain.OrderTypeMarket,
			Quantity:      qty,
			ClientOrderID: newExitClientID(pos.ID),
			ReduceOnly:    true,
		})
		if err != nil {
			return 0, fmt.Errorf("exit orders: market close %s: %w", pos.ID, err)
		}
		closePrice = order.AvgFillPrice
	} else {
		reason = domain.CloseReasonExternal
	}

	if closePrice <= 0 {
		if ticker, err := em.exchange.GetTickerPrice(ctx, pos.Symbol); err == nil {
			closePrice = ticker
		}
	}

	if err := em.positions.ClosePosition(ctx, pos.ID, closePrice, reason); err != nil {
		return 0, fmt.Errorf("exit orders: close position %s: %w", pos.ID, err)
	}
	pos.Status = domain.PositionStatusClosed

	em.logger.InfoContext(ctx, "position closed at market",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("price", closePrice),
		slog.String("reason", string(reason)),
	)
	return closePrice, nil
}

// cleanupOrphans cancels close orders on the exchange that the store does not
// reference for this position.
func (em *ExitOrderManager) cleanupOrphans(ctx context.Context, pos *domain.Position) {
	open, err := em.exchange.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		em.logger.WarnContext(ctx, "orphan scan failed",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
		return
	}

	recorded := ""
	if pos.ExitOrderID != nil {
		recorded = *pos.ExitOrderID
	}
	for _, o := range open {
		if !o.Type.IsExitType() || !o.ClosePosition {
			continue
		}
		if o.OrderID == recorded {
			continue
		}
		// Only touch orders this position created; another position on the
		// same symbol owns its own client-id prefix.
		if !strings.HasPrefix(o.ClientOrderID, exitClientIDPrefix(pos.ID)) {
			continue
		}
		em.logger.WarnContext(ctx, "cancelling orphaned exit order",
			slog.String("position_id", pos.ID),
			slog.String("order_id", o.OrderID),
		)
		if err := em.cancelTolerant(ctx, pos.Symbol, o.OrderID); err != nil {
			em.logger.WarnContext(ctx, "orphan cancel failed",
				slog.String("order_id", o.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// cancelByClientIDPrefix cancels open orders whose client id carries the
// given prefix; used by the duplicate-client-id recovery rescan.
func (em *ExitOrderManager) cancelByClientIDPrefix(ctx context.Context, symbol, prefix string) {
	open, err := em.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		em.logger.WarnContext(ctx, "duplicate rescan failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, o := range open {
		if !strings.HasPrefix(o.ClientOrderID, prefix) {
			continue
		}
		if err := em.cancelTolerant(ctx, symbol, o.OrderID); err != nil {
			em.logger.WarnContext(ctx, "duplicate cancel failed",
				slog.String("order_id", o.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// cancelTolerant cancels an order, treating "already gone" as success.
func (em *ExitOrderManager) cancelTolerant(ctx context.Context, symbol, orderID string) error {
	err := em.exchange.CancelOrder(ctx, symbol, orderID)
	if err == nil || domain.IsOrderGone(err) {
		return nil
	}
	return err
}

func (em *ExitOrderManager) flagPending(ctx context.Context, pos *domain.Position) {
	if err := em.positions.SetTpSlPending(ctx, pos.ID, true); err != nil {
		em.logger.ErrorContext(ctx, "set tp_sl_pending failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	pos.TpSlPending = true
}

// passedFavorably reports whether the market already sits beyond the desired
// exit on the profitable side of the entry.
func passedFavorably(side domain.Side, entry, desired, market float64) bool {
	switch side {
	case domain.SideLong:
		return desired > entry && market >= desired
	default:
		return desired < entry && market <= desired
	}
}

// nudgeBeyondMarket moves an overtaken trailing trigger just past the current
// market so the replacement order is accepted.
func nudgeBeyondMarket(side domain.Side, market, buffer float64) float64 {
	if side == domain.SideLong {
		return market * (1 + buffer)
	}
	return market * (1 - buffer)
}
