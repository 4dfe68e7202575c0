package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// ReservationStore implements domain.ReservationStore using PostgreSQL.
// Exactly-once finalization is enforced by the conditional UPDATE in
// Finalize: only a reservation still in a pending state can transition.
type ReservationStore struct {
	pool *pgxpool.Pool
}

// NewReservationStore creates a new ReservationStore backed by the given pool.
func NewReservationStore(pool *pgxpool.Pool) *ReservationStore {
	return &ReservationStore{pool: pool}
}

// Create inserts a new active reservation.
func (s *ReservationStore) Create(ctx context.Context, r domain.Reservation) error {
	const query = `
		INSERT INTO reservations (token, bot_id, symbol, amount, state, transferred_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		r.Token, r.BotID, r.Symbol, r.Amount, string(r.State), r.TransferredTo, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create reservation %s: %w", r.Token, err)
	}
	return nil
}

// Finalize moves a pending reservation to a terminal (or transferred) state.
// A reservation that already reached a terminal state returns ErrFinalized,
// which is how callers detect a double finalization attempt.
func (s *ReservationStore) Finalize(ctx context.Context, token string, state domain.ReservationState, transferredTo string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reservations SET
			state          = $2,
			transferred_to = $3,
			finalized_at   = NOW()
		 WHERE token = $1 AND state IN ('active', 'transferred')`,
		token, string(state), transferredTo)
	if err != nil {
		return fmt.Errorf("postgres: finalize reservation %s: %w", token, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFinalized
	}
	return nil
}

// ListStaleActive returns pending reservations created before the cutoff.
func (s *ReservationStore) ListStaleActive(ctx context.Context, before time.Time) ([]domain.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token, bot_id, symbol, amount, state, transferred_to, created_at, finalized_at
		 FROM reservations
		 WHERE state IN ('active', 'transferred') AND created_at < $1
		 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale reservations: %w", err)
	}
	defer rows.Close()

	var reservations []domain.Reservation
	for rows.Next() {
		var r domain.Reservation
		var state string
		if err := rows.Scan(&r.Token, &r.BotID, &r.Symbol, &r.Amount, &state,
			&r.TransferredTo, &r.CreatedAt, &r.FinalizedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan stale reservation: %w", err)
		}
		r.State = domain.ReservationState(state)
		reservations = append(reservations, r)
	}
	return reservations, rows.Err()
}

// CountPending counts active and transferred reservations for a (bot, symbol).
func (s *ReservationStore) CountPending(ctx context.Context, botID, symbol string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reservations
		 WHERE bot_id = $1 AND symbol = $2 AND state IN ('active', 'transferred')`,
		botID, symbol,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count pending reservations %s/%s: %w", botID, symbol, err)
	}
	return count, nil
}

// ListPending returns active and transferred reservations for a
// (bot, symbol), oldest first.
func (s *ReservationStore) ListPending(ctx context.Context, botID, symbol string) ([]domain.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token, bot_id, symbol, amount, state, transferred_to, created_at, finalized_at
		 FROM reservations
		 WHERE bot_id = $1 AND symbol = $2 AND state IN ('active', 'transferred')
		 ORDER BY created_at ASC`, botID, symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending reservations %s/%s: %w", botID, symbol, err)
	}
	defer rows.Close()

	var reservations []domain.Reservation
	for rows.Next() {
		var r domain.Reservation
		var state string
		if err := rows.Scan(&r.Token, &r.BotID, &r.Symbol, &r.Amount, &state,
			&r.TransferredTo, &r.CreatedAt, &r.FinalizedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan pending reservation: %w", err)
		}
		r.State = domain.ReservationState(state)
		reservations = append(reservations, r)
	}
	return reservations, rows.Err()
}

// Compile-time interface check.
var _ domain.ReservationStore = (*ReservationStore)(nil)
