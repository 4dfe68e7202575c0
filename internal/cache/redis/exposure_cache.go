package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// ExposureCache implements domain.ExposureCache using Redis hashes with a
// short TTL. Notional snapshots are stored per (bot, symbol) pair and
// open-position counts per bot. Both are invalidated explicitly whenever the
// engine knows the ledger changed; TTL expiry is only the backstop.
type ExposureCache struct {
	rdb *redis.Client
}

// NewExposureCache creates an ExposureCache backed by the given Client.
func NewExposureCache(c *Client) *ExposureCache {
	return &ExposureCache{rdb: c.Underlying()}
}

func notionalKey(botID, symbol string) string {
	return "exposure:" + botID + ":" + symbol
}

func countKey(botID string) string {
	return "poscount:" + botID
}

// GetNotional retrieves the cached exposure snapshot for a (bot, symbol)
// pair. It returns domain.ErrNotFound when no entry exists or the entry has
// expired.
func (ec *ExposureCache) GetNotional(ctx context.Context, botID, symbol string) (domain.Exposure, error) {
	vals, err := ec.rdb.HGetAll(ctx, notionalKey(botID, symbol)).Result()
	if err != nil {
		return domain.Exposure{}, fmt.Errorf("redis: get exposure %s/%s: %w", botID, symbol, err)
	}
	if len(vals) == 0 {
		return domain.Exposure{}, domain.ErrNotFound
	}

	var exp domain.Exposure
	if exp.Current, err = strconv.ParseFloat(vals["current"], 64); err != nil {
		return domain.Exposure{}, fmt.Errorf("redis: parse exposure current %s/%s: %w", botID, symbol, err)
	}
	if exp.Max, err = strconv.ParseFloat(vals["max"], 64); err != nil {
		return domain.Exposure{}, fmt.Errorf("redis: parse exposure max %s/%s: %w", botID, symbol, err)
	}
	exp.HasLimit = vals["has_limit"] == "1"

	return exp, nil
}

// SetNotional stores an exposure snapshot with the given TTL.
func (ec *ExposureCache) SetNotional(ctx context.Context, botID, symbol string, exp domain.Exposure, ttl time.Duration) error {
	key := notionalKey(botID, symbol)
	hasLimit := "0"
	if exp.HasLimit {
		hasLimit = "1"
	}
	fields := map[string]interface{}{
		"current":   strconv.FormatFloat(exp.Current, 'f', -1, 64),
		"max":       strconv.FormatFloat(exp.Max, 'f', -1, 64),
		"has_limit": hasLimit,
	}

	pipe := ec.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set exposure %s/%s: %w", botID, symbol, err)
	}
	return nil
}

// InvalidateNotional removes the exposure snapshot for a (bot, symbol) pair.
func (ec *ExposureCache) InvalidateNotional(ctx context.Context, botID, symbol string) error {
	if err := ec.rdb.Del(ctx, notionalKey(botID, symbol)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate exposure %s/%s: %w", botID, symbol, err)
	}
	return nil
}

// GetCount retrieves the cached open-position count for a bot. It returns
// domain.ErrNotFound when no entry exists.
func (ec *ExposureCache) GetCount(ctx context.Context, botID string) (int, error) {
	val, err := ec.rdb.Get(ctx, countKey(botID)).Result()
	if err == redis.Nil {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis: get position count %s: %w", botID, err)
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("redis: parse position count %s: %w", botID, err)
	}
	return count, nil
}

// SetCount stores the open-position count for a bot with the given TTL.
func (ec *ExposureCache) SetCount(ctx context.Context, botID string, count int, ttl time.Duration) error {
	if err := ec.rdb.Set(ctx, countKey(botID), count, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set position count %s: %w", botID, err)
	}
	return nil
}

// InvalidateCount removes the cached open-position count for a bot.
func (ec *ExposureCache) InvalidateCount(ctx context.Context, botID string) error {
	if err := ec.rdb.Del(ctx, countKey(botID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate position count %s: %w", botID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ExposureCache = (*ExposureCache)(nil)
