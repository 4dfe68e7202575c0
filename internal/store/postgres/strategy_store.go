package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a new StrategyStore backed by the given pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategySelectCols = `id, name, take_profit, stoploss, extend,
	oc_threshold, is_reverse, force_market_entry`

func scanStrategy(row pgx.Row) (domain.StrategyParams, error) {
	var p domain.StrategyParams
	err := row.Scan(
		&p.ID, &p.Name, &p.TakeProfit, &p.StopLoss, &p.Extend,
		&p.OCThreshold, &p.IsReverse, &p.ForceMarketEntry,
	)
	return p, err
}

// GetByID retrieves a single strategy's exit parameters.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (domain.StrategyParams, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE id = $1`, id)

	p, err := scanStrategy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StrategyParams{}, domain.ErrNotFound
		}
		return domain.StrategyParams{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	return p, nil
}

// ListByIDs returns strategy parameters keyed by ID. Missing IDs are simply
// absent from the result map.
func (s *StrategyStore) ListByIDs(ctx context.Context, ids []string) (map[string]domain.StrategyParams, error) {
	result := make(map[string]domain.StrategyParams, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

// Compile-time interface check.
var _ domain.StrategyStore = (*StrategyStore)(nil)
