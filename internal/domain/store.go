package domain

import (
	"context"
	"time"
)

// PositionStore persists positions and provides the atomic transitions the
// engine relies on. All conditional updates (claim, promote, close) are
// single-statement and race-free across processes.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)

	// ListActive returns all entry_pending and open positions across bots,
	// oldest first.
	ListActive(ctx context.Context) ([]Position, error)

	// ListOpenBySymbol returns open and entry_pending positions for one
	// (bot, symbol).
	ListOpenBySymbol(ctx context.Context, botID, symbol string) ([]Position, error)

	// OpenNotional sums Amount over open and entry_pending positions for the
	// (bot, symbol) pair; the admission controller's ledger query.
	OpenNotional(ctx context.Context, botID, symbol string) (float64, error)

	// CountOpen counts open and entry_pending positions for the bot.
	CountOpen(ctx context.Context, botID string) (int, error)

	// Claim atomically sets is_processing if it is currently unset. Returns
	// false when another worker holds the position.
	Claim(ctx context.Context, id string) (bool, error)

	// Release clears is_processing unconditionally.
	Release(ctx context.Context, id string) error

	// PromoteToOpen transitions entry_pending -> open with the confirmed fill
	// price, recomputing the stored notional.
	PromoteToOpen(ctx context.Context, id string, fillPrice float64, openedAt time.Time) error

	// SetExitOrder records the live exit order reference (nil clears it) and
	// the effective trigger price it protects at.
	SetExitOrder(ctx context.Context, id string, exitOrderID *string) error

	// SetTargets persists updated take-profit / stop-loss targets.
	SetTargets(ctx context.Context, id string, takeProfit, stopLoss float64) error

	// SetTpSlPending flags or clears the forced re-evaluation marker.
	SetTpSlPending(ctx context.Context, id string, pending bool) error

	// ClosePosition transitions open -> closed exactly once, recording exit
	// price, reason, and realized PnL. Returns ErrNotFound when the position
	// was already closed.
	ClosePosition(ctx context.Context, id string, exitPrice float64, reason CloseReason) error

	// CancelPosition transitions entry_pending -> canceled (entry never
	// filled).
	CancelPosition(ctx context.Context, id string) error

	// ListClosedBefore returns closed positions whose closed_at is strictly
	// before the cutoff; consumed by the cold-storage archiver.
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
}

// ReservationStore persists reservations with exactly-once finalization
// enforced at the storage layer.
type ReservationStore interface {
	Create(ctx context.Context, r Reservation) error

	// Finalize transitions an active reservation to the given terminal state.
	// It returns ErrFinalized when the reservation is not active anymore,
	// guaranteeing exactly-once semantics.
	Finalize(ctx context.Context, token string, state ReservationState, transferredTo string) error

	// ListStaleActive returns active or transferred reservations created
	// before the cutoff; input to the orphan-recovery sweep.
	ListStaleActive(ctx context.Context, before time.Time) ([]Reservation, error)

	// CountPending counts active+transferred reservations for a (bot, symbol).
	CountPending(ctx context.Context, botID, symbol string) (int, error)

	// ListPending returns active+transferred reservations for a (bot, symbol),
	// oldest first; entry reconciliation settles the oldest on confirmation.
	ListPending(ctx context.Context, botID, symbol string) ([]Reservation, error)
}

// BotStore reads bot configurations.
type BotStore interface {
	GetByID(ctx context.Context, id string) (BotConfig, error)
	ListEnabled(ctx context.Context) ([]BotConfig, error)
}

// StrategyStore reads strategy exit parameters.
type StrategyStore interface {
	GetByID(ctx context.Context, id string) (StrategyParams, error)
	ListByIDs(ctx context.Context, ids []string) (map[string]StrategyParams, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log. Reservation transitions,
// admission fail-opens, and unprotected-position escalations all land here.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}
