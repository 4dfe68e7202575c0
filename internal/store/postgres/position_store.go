package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. All
// lifecycle transitions are single conditional UPDATE statements so that
// concurrent monitor instances cannot double-apply them.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, bot_id, strategy_id, symbol, side, status,
	entry_price, quantity, amount, take_profit_price, stop_loss_price,
	entry_order_id, exit_order_id, is_processing, tp_sl_pending,
	pnl, pnl_percent, opened_at, closed_at, close_reason, created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	var closeReason *string

	err := row.Scan(
		&p.ID, &p.BotID, &p.StrategyID, &p.Symbol, &side, &status,
		&p.EntryPrice, &p.Quantity, &p.Amount, &p.TakeProfitPrice, &p.StopLossPrice,
		&p.EntryOrderID, &p.ExitOrderID, &p.IsProcessing, &p.TpSlPending,
		&p.PnL, &p.PnLPercent, &p.OpenedAt, &p.ClosedAt, &closeReason,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if closeReason != nil {
		r := domain.CloseReason(*closeReason)
		p.CloseReason = &r
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, bot_id, strategy_id, symbol, side, status,
			entry_price, quantity, amount, take_profit_price, stop_loss_price,
			entry_order_id, exit_order_id, is_processing, tp_sl_pending,
			pnl, pnl_percent, opened_at, closed_at, close_reason, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20, NOW(), NOW()
		)`

	var closeReason *string
	if p.CloseReason != nil {
		r := string(*p.CloseReason)
		closeReason = &r
	}

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.BotID, p.StrategyID, p.Symbol, string(p.Side), string(p.Status),
		p.EntryPrice, p.Quantity, p.Amount, p.TakeProfitPrice, p.StopLossPrice,
		p.EntryOrderID, p.ExitOrderID, p.IsProcessing, p.TpSlPending,
		p.PnL, p.PnLPercent, p.OpenedAt, p.ClosedAt, closeReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListActive returns all entry_pending and open positions, oldest first.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN ('entry_pending', 'open')
		 ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListOpenBySymbol returns open and entry_pending positions for one (bot, symbol).
func (s *PositionStore) ListOpenBySymbol(ctx context.Context, botID, symbol string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE bot_id = $1 AND symbol = $2 AND status IN ('entry_pending', 'open')
		 ORDER BY opened_at ASC`, botID, symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open by symbol: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open by symbol: %w", err)
	}
	return positions, nil
}

// OpenNotional sums committed notional for a (bot, symbol) pair. Both open
// and entry_pending positions count toward the admission ledger.
func (s *PositionStore) OpenNotional(ctx context.Context, botID, symbol string) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM positions
		 WHERE bot_id = $1 AND symbol = $2 AND status IN ('entry_pending', 'open')`,
		botID, symbol,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: open notional %s/%s: %w", botID, symbol, err)
	}
	return total, nil
}

// CountOpen counts open and entry_pending positions for the bot.
func (s *PositionStore) CountOpen(ctx context.Context, botID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions
		 WHERE bot_id = $1 AND status IN ('entry_pending', 'open')`,
		botID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open %s: %w", botID, err)
	}
	return count, nil
}

// Claim atomically flips is_processing from false to true. The WHERE clause
// makes this the cross-process soft-lock acquisition: exactly one caller wins.
func (s *PositionStore) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET is_processing = TRUE, updated_at = NOW()
		 WHERE id = $1 AND is_processing = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("postgres: claim position %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release clears is_processing unconditionally.
func (s *PositionStore) Release(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE positions SET is_processing = FALSE, updated_at = NOW()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: release position %s: %w", id, err)
	}
	return nil
}

// PromoteToOpen transitions entry_pending -> open with the confirmed fill
// price, recomputing quantity-derived notional at the effective price.
func (s *PositionStore) PromoteToOpen(ctx context.Context, id string, fillPrice float64, openedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET
			status      = 'open',
			entry_price = $2,
			amount      = quantity * $2,
			opened_at   = $3,
			updated_at  = NOW()
		 WHERE id = $1 AND status = 'entry_pending'`,
		id, fillPrice, openedAt)
	if err != nil {
		return fmt.Errorf("postgres: promote position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetExitOrder records (or clears, with nil) the live exit order reference.
func (s *PositionStore) SetExitOrder(ctx context.Context, id string, exitOrderID *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET exit_order_id = $2, updated_at = NOW()
		 WHERE id = $1`, id, exitOrderID)
	if err != nil {
		return fmt.Errorf("postgres: set exit order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetTargets persists updated take-profit / stop-loss targets.
func (s *PositionStore) SetTargets(ctx context.Context, id string, takeProfit, stopLoss float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET
			take_profit_price = $2,
			stop_loss_price   = $3,
			updated_at        = NOW()
		 WHERE id = $1`, id, takeProfit, stopLoss)
	if err != nil {
		return fmt.Errorf("postgres: set targets %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetTpSlPending flags or clears the forced re-evaluation marker.
func (s *PositionStore) SetTpSlPending(ctx context.Context, id string, pending bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET tp_sl_pending = $2, updated_at = NOW()
		 WHERE id = $1`, id, pending)
	if err != nil {
		return fmt.Errorf("postgres: set tp_sl_pending %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClosePosition transitions open -> closed exactly once with realized PnL
// computed in-statement from the exit price.
func (s *PositionStore) ClosePosition(ctx context.Context, id string, exitPrice float64, reason domain.CloseReason) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET
			status       = 'closed',
			close_reason = $3,
			closed_at    = NOW(),
			pnl          = CASE WHEN side = 'long'
			                    THEN ($2 - entry_price) * quantity
			                    ELSE (entry_price - $2) * quantity END,
			pnl_percent  = CASE WHEN entry_price > 0 AND side = 'long'
			                    THEN ($2 - entry_price) / entry_price * 100
			                    WHEN entry_price > 0
			                    THEN (entry_price - $2) / entry_price * 100
			                    ELSE 0 END,
			exit_order_id = NULL,
			tp_sl_pending = FALSE,
			updated_at    = NOW()
		 WHERE id = $1 AND status = 'open'`,
		id, exitPrice, string(reason))
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CancelPosition transitions entry_pending -> canceled.
func (s *PositionStore) CancelPosition(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET
			status     = 'canceled',
			closed_at  = NOW(),
			updated_at = NOW()
		 WHERE id = $1 AND status = 'entry_pending'`, id)
	if err != nil {
		return fmt.Errorf("postgres: cancel position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListClosedBefore returns closed positions older than the cutoff for archival.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'closed' AND closed_at < $1
		 ORDER BY closed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed before: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed before: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
