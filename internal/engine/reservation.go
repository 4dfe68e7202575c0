package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// ReservationManager hands out reservation tokens around exchange calls and
// guarantees each one is finalized exactly once. Every transition writes an
// audit row so a crashed worker's trail stays reconstructible.
type ReservationManager struct {
	store  domain.ReservationStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewReservationManager creates a ReservationManager.
func NewReservationManager(store domain.ReservationStore, audit domain.AuditStore, logger *slog.Logger) *ReservationManager {
	return &ReservationManager{
		store:  store,
		audit:  audit,
		logger: logger.With(slog.String("component", "reservations")),
	}
}

// ReservationHandle is the caller's finalization capability for one
// reservation. All finalizers are no-ops after the first successful one, so
// a deferred Cancel after an explicit Release is safe.
type ReservationHandle struct {
	mgr  *ReservationManager
	res  domain.Reservation
	done bool
}

// Token returns the reservation token.
func (h *ReservationHandle) Token() string {
	return h.res.Token
}

// Acquire creates an active reservation for the exposure about to be sent to
// the exchange.
func (rm *ReservationManager) Acquire(ctx context.Context, botID, symbol string, amount float64) (*ReservationHandle, error) {
	res := domain.Reservation{
		Token:     uuid.New().String(),
		BotID:     botID,
		Symbol:    symbol,
		Amount:    amount,
		State:     domain.ReservationActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := rm.store.Create(ctx, res); err != nil {
		return nil, fmt.Errorf("reservations: create: %w", err)
	}

	rm.auditTransition(ctx, res.Token, "reservation_created", map[string]any{
		"bot_id": botID,
		"symbol": symbol,
		"amount": amount,
	})
	return &ReservationHandle{mgr: rm, res: res}, nil
}

// Release finalizes the reservation as committed: the exposure now lives as a
// position.
func (h *ReservationHandle) Release(ctx context.Context) error {
	return h.finalize(ctx, domain.ReservationReleased, "")
}

// Cancel finalizes the reservation as dropped: no exposure was committed.
func (h *ReservationHandle) Cancel(ctx context.Context) error {
	return h.finalize(ctx, domain.ReservationCancelled, "")
}

// Transfer keeps the reservation active and hands finalization responsibility
// to the named component, typically the monitor's entry reconciliation. The
// handoff is recorded so recovery can attribute orphans.
func (h *ReservationHandle) Transfer(ctx context.Context, to string) error {
	return h.finalize(ctx, domain.ReservationTransferred, to)
}

func (h *ReservationHandle) finalize(ctx context.Context, state domain.ReservationState, to string) error {
	if h.done {
		return nil
	}

	err := h.mgr.store.Finalize(ctx, h.res.Token, state, to)
	if errors.Is(err, domain.ErrFinalized) {
		// Someone else (e.g. the recovery sweep) got there first. The
		// exactly-once contract is intact; nothing more to do.
		h.done = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("reservations: finalize %s to %s: %w", h.res.Token, state, err)
	}
	h.done = true

	h.mgr.auditTransition(ctx, h.res.Token, "reservation_"+string(state), map[string]any{
		"bot_id":         h.res.BotID,
		"symbol":         h.res.Symbol,
		"amount":         h.res.Amount,
		"transferred_to": to,
	})
	return nil
}

// SettleOldest finalizes the oldest pending reservation for a (bot, symbol)
// to the given terminal state. The monitor calls it when entry reconciliation
// confirms or cancels a pending entry whose reservation was transferred.
// It is a no-op when no pending reservation exists.
func (rm *ReservationManager) SettleOldest(ctx context.Context, botID, symbol string, state domain.ReservationState) error {
	pending, err := rm.store.ListPending(ctx, botID, symbol)
	if err != nil {
		return fmt.Errorf("reservations: list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	res := pending[0]
	err = rm.store.Finalize(ctx, res.Token, state, "")
	if errors.Is(err, domain.ErrFinalized) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reservations: settle %s: %w", res.Token, err)
	}

	rm.auditTransition(ctx, res.Token, "reservation_"+string(state), map[string]any{
		"bot_id":  botID,
		"symbol":  symbol,
		"amount":  res.Amount,
		"settled": "entry_reconciliation",
	})
	return nil
}

// RecoverStale cancels reservations older than maxAge that were never
// finalized, checking first that the bot's open-position count no longer
// accounts for them. A reservation whose bot still has at least as many
// active positions as pending reservations may represent real exposure and
// is left alone for the next sweep.
func (rm *ReservationManager) RecoverStale(ctx context.Context, positions domain.PositionStore, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	stale, err := rm.store.ListStaleActive(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reservations: list stale: %w", err)
	}

	recovered := 0
	for _, res := range stale {
		pending, err := rm.store.CountPending(ctx, res.BotID, res.Symbol)
		if err != nil {
			rm.logger.WarnContext(ctx, "reservation sweep: count pending failed",
				slog.String("token", res.Token),
				slog.String("error", err.Error()),
			)
			continue
		}
		active, err := positions.ListOpenBySymbol(ctx, res.BotID, res.Symbol)
		if err != nil {
			rm.logger.WarnContext(ctx, "reservation sweep: list positions failed",
				slog.String("token", res.Token),
				slog.String("error", err.Error()),
			)
			continue
		}
		if len(active) >= pending {
			continue
		}

		err = rm.store.Finalize(ctx, res.Token, domain.ReservationCancelled, "")
		if errors.Is(err, domain.ErrFinalized) {
			continue
		}
		if err != nil {
			rm.logger.WarnContext(ctx, "reservation sweep: finalize failed",
				slog.String("token", res.Token),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++

		rm.logger.WarnContext(ctx, "orphaned reservation recovered",
			slog.String("token", res.Token),
			slog.String("bot_id", res.BotID),
			slog.String("symbol", res.Symbol),
			slog.Float64("amount", res.Amount),
			slog.Time("created_at", res.CreatedAt),
		)
		rm.auditTransition(ctx, res.Token, "reservation_recovered", map[string]any{
			"bot_id": res.BotID,
			"symbol": res.Symbol,
			"amount": res.Amount,
			"age":    time.Since(res.CreatedAt).String(),
		})
	}
	return recovered, nil
}

func (rm *ReservationManager) auditTransition(ctx context.Context, token, event string, detail map[string]any) {
	detail["token"] = token
	if err := rm.audit.Log(ctx, event, detail); err != nil {
		rm.logger.ErrorContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("token", token),
			slog.String("error", err.Error()),
		)
	}
}
