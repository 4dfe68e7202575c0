package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// BotStore implements domain.BotStore using PostgreSQL.
type BotStore struct {
	pool *pgxpool.Pool
}

// NewBotStore creates a new BotStore backed by the given connection pool.
func NewBotStore(pool *pgxpool.Pool) *BotStore {
	return &BotStore{pool: pool}
}

const botSelectCols = `id, name, exchange, testnet, enabled,
	max_amount_per_coin, max_concurrent_positions, created_at, updated_at`

func scanBot(row pgx.Row) (domain.BotConfig, error) {
	var b domain.BotConfig
	err := row.Scan(
		&b.ID, &b.Name, &b.Exchange, &b.Testnet, &b.Enabled,
		&b.MaxAmountPerCoin, &b.MaxConcurrentPositions, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

// GetByID retrieves a bot configuration.
func (s *BotStore) GetByID(ctx context.Context, id string) (domain.BotConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+botSelectCols+` FROM bots WHERE id = $1`, id)

	b, err := scanBot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BotConfig{}, domain.ErrNotFound
		}
		return domain.BotConfig{}, fmt.Errorf("postgres: get bot %s: %w", id, err)
	}
	return b, nil
}

// ListEnabled returns all enabled bots.
func (s *BotStore) ListEnabled(ctx context.Context) ([]domain.BotConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+botSelectCols+` FROM bots WHERE enabled = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enabled bots: %w", err)
	}
	defer rows.Close()

	var bots []domain.BotConfig
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// Compile-time interface check.
var _ domain.BotStore = (*BotStore)(nil)
