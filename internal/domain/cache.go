package domain

import (
	"context"
	"time"
)

// Exposure is the cached admission snapshot for a (bot, symbol) pair.
type Exposure struct {
	Current  float64 // committed notional: open + entry_pending
	Max      float64 // configured ceiling; meaningful only when HasLimit
	HasLimit bool
}

// ExposureCache is the short-TTL admission cache. Entries are invalidated
// explicitly on known ledger changes (position opened/closed), not only by
// TTL expiry.
type ExposureCache interface {
	GetNotional(ctx context.Context, botID, symbol string) (Exposure, error)
	SetNotional(ctx context.Context, botID, symbol string, exp Exposure, ttl time.Duration) error
	InvalidateNotional(ctx context.Context, botID, symbol string) error

	// Per-bot open-position count, used by the concurrency ceiling (the
	// documented cache-only path with no mutex).
	GetCount(ctx context.Context, botID string) (int, error)
	SetCount(ctx context.Context, botID string, count int, ttl time.Duration) error
	InvalidateCount(ctx context.Context, botID string) error
}

// LockManager provides distributed named locking. Acquire returns an unlock
// function that must be called to release the lock; it is safe to call the
// unlock function more than once. ErrLockHeld signals contention.
type LockManager interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting, used to pace exchange calls
// across monitor instances sharing one API key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// SignalBus provides pub/sub messaging: inbound trade signals and outbound
// position lifecycle events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
