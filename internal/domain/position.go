package domain

import "time"

// Side is the direction of a derivatives position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionStatus tracks a position through its lifecycle:
// entry_pending -> open -> {closed, canceled}.
type PositionStatus string

const (
	PositionStatusEntryPending PositionStatus = "entry_pending"
	PositionStatusOpen         PositionStatus = "open"
	PositionStatusClosed       PositionStatus = "closed"
	PositionStatusCanceled     PositionStatus = "canceled"
)

// CloseReason records why a position transitioned to closed.
type CloseReason string

const (
	CloseReasonTakeProfit  CloseReason = "take_profit"
	CloseReasonStopLoss    CloseReason = "stop_loss"
	CloseReasonMarketClose CloseReason = "market_close" // forced market close (would-trigger fallback, close-now)
	CloseReasonExternal    CloseReason = "external"     // observed on the exchange, not initiated by us
	CloseReasonManual      CloseReason = "manual"
)

// Position represents a derivatives position owned by a bot. While the
// position is open, ExitOrderID references at most one live protective order
// on the exchange; a nil value is tolerated only transiently, bounded by the
// monitor's unprotected grace window.
type Position struct {
	ID         string
	BotID      string
	StrategyID string
	Symbol     string
	Side       Side
	Status     PositionStatus

	EntryPrice float64
	Quantity   float64 // base-asset quantity
	Amount     float64 // quote-currency notional (entry_price * quantity)

	TakeProfitPrice float64
	StopLossPrice   float64

	EntryOrderID string
	ExitOrderID  *string

	// IsProcessing is the cross-process soft lock; claimed atomically by the
	// monitor before any mutating operation on the position.
	IsProcessing bool

	// TpSlPending forces exit-order re-evaluation on the next monitor cycle.
	TpSlPending bool

	PnL        float64
	PnLPercent float64

	OpenedAt    time.Time
	ClosedAt    *time.Time
	CloseReason *CloseReason

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Protected reports whether the position currently references an exit order.
func (p *Position) Protected() bool {
	return p.ExitOrderID != nil && *p.ExitOrderID != ""
}

// Age returns how long the position has been open as of now.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// ComputePnL sets the realized PnL fields from the given exit price.
func (p *Position) ComputePnL(exitPrice float64) {
	if p.EntryPrice <= 0 || p.Quantity <= 0 {
		return
	}
	diff := exitPrice - p.EntryPrice
	if p.Side == SideShort {
		diff = -diff
	}
	p.PnL = diff * p.Quantity
	p.PnLPercent = diff / p.EntryPrice * 100
}
