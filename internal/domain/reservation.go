package domain

import "time"

// ReservationState is the finalization state of a reservation. A reservation
// is finalized exactly once: released (exposure committed as a position),
// cancelled (signal dropped), or transferred (kept active, ownership handed
// to a later component that confirms the real fill).
type ReservationState string

const (
	ReservationActive      ReservationState = "active"
	ReservationReleased    ReservationState = "released"
	ReservationCancelled   ReservationState = "cancelled"
	ReservationTransferred ReservationState = "transferred"
)

// Reservation is the ephemeral accounting unit created by the admission path
// before any exchange call. Orphans (owner crashed before finalizing) are
// recovered by the monitor's periodic reservation sweep, never trusted
// indefinitely.
type Reservation struct {
	Token  string // uuid, primary key
	BotID  string
	Symbol string
	Amount float64
	State  ReservationState

	// TransferredTo names the component that inherited finalization
	// responsibility when State is transferred (e.g. "entry_monitor").
	TransferredTo string

	CreatedAt   time.Time
	FinalizedAt *time.Time
}
