// Package engine implements the position lifecycle core: admission control,
// signal execution, exit-order reconciliation, and the monitor loop that
// drives them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/retry"
)

// AdmissionReason classifies the outcome of an admission check so callers can
// branch exhaustively instead of parsing ad hoc result shapes.
type AdmissionReason string

const (
	ReasonWithinLimit      AdmissionReason = "within_limit"
	ReasonNoLimit          AdmissionReason = "no_limit"
	ReasonLimitZero        AdmissionReason = "limit_zero"
	ReasonCeilingReached   AdmissionReason = "ceiling_reached"
	ReasonLockContention   AdmissionReason = "lock_contention"
	ReasonTooManyPositions AdmissionReason = "too_many_positions"
	ReasonFailOpen         AdmissionReason = "fail_open"
)

// AdmissionResult is the tagged outcome of CanOpenNewPosition. Projected and
// Ceiling are populated only for notional-limit decisions.
type AdmissionResult struct {
	Admitted  bool
	Reason    AdmissionReason
	Projected float64
	Ceiling   float64
}

// AdmissionConfig tunes the admission controller.
type AdmissionConfig struct {
	// LockTTL is the TTL on the per-(bot,symbol) distributed mutex.
	LockTTL time.Duration

	// LockAcquireTimeout bounds how long Acquire may retry on contention
	// before the check is rejected as benign lock contention.
	LockAcquireTimeout time.Duration

	// CacheTTL is the exposure snapshot TTL.
	CacheTTL time.Duration

	// AdmitOnReach admits when the projected exposure lands exactly on the
	// ceiling. The default policy rejects on reach.
	AdmitOnReach bool
}

// DefaultAdmissionConfig returns production defaults.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		LockTTL:            10 * time.Second,
		LockAcquireTimeout: 5 * time.Second,
		CacheTTL:           5 * time.Second,
	}
}

// AdmissionController gates new exposure against the per-symbol notional
// ceiling and the per-bot concurrent-position ceiling. The notional check is
// serialized across engine instances by a distributed named mutex per
// (bot, symbol); the count check runs cache-only, an accepted lower-severity
// race.
type AdmissionController struct {
	bots      domain.BotStore
	positions domain.PositionStore
	cache     domain.ExposureCache
	locks     domain.LockManager
	audit     domain.AuditStore
	logger    *slog.Logger
	cfg       AdmissionConfig
}

// NewAdmissionController creates an AdmissionController with all required
// dependencies.
func NewAdmissionController(
	bots domain.BotStore,
	positions domain.PositionStore,
	cache domain.ExposureCache,
	locks domain.LockManager,
	audit domain.AuditStore,
	logger *slog.Logger,
	cfg AdmissionConfig,
) *AdmissionController {
	return &AdmissionController{
		bots:      bots,
		positions: positions,
		cache:     cache,
		locks:     locks,
		audit:     audit,
		logger:    logger.With(slog.String("component", "admission")),
		cfg:       cfg,
	}
}

func admissionLockName(botID, symbol string) string {
	return "admission:" + botID + ":" + symbol
}

// CanOpenNewPosition decides whether the bot may add newOrderAmount of quote
// notional on symbol. It must stay correct under N simultaneous callers for
// the same (bot, symbol).
//
// Infra errors fail open with error-level logging and an audit row:
// availability is prioritized over strict enforcement on this path.
func (ac *AdmissionController) CanOpenNewPosition(ctx context.Context, botID, symbol string, newOrderAmount float64) AdmissionResult {
	bot, err := ac.bots.GetByID(ctx, botID)
	if err != nil {
		return ac.failOpen(ctx, botID, symbol, "load bot config", err)
	}

	// Check 1: per-bot concurrent-position ceiling, cache-only (no mutex).
	if res, done := ac.checkPositionCount(ctx, &bot); done {
		return res
	}

	// Check 2: per-symbol notional ceiling.
	limit, hasLimit := bot.NotionalLimit()
	if !hasLimit {
		return AdmissionResult{Admitted: true, Reason: ReasonNoLimit}
	}
	if limit == 0 {
		// Explicit zero rejects unconditionally, without any store query.
		return AdmissionResult{Admitted: false, Reason: ReasonLimitZero, Ceiling: 0}
	}

	unlock, err := ac.acquireLock(ctx, botID, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			// Benign contention: reject without alerting, the caller retries
			// with the next signal.
			ac.logger.InfoContext(ctx, "admission lock contention",
				slog.String("bot_id", botID),
				slog.String("symbol", symbol),
			)
			return AdmissionResult{Admitted: false, Reason: ReasonLockContention}
		}
		return ac.failOpen(ctx, botID, symbol, "acquire admission lock", err)
	}
	defer unlock()

	current, err := ac.currentNotional(ctx, botID, symbol, limit)
	if err != nil {
		return ac.failOpen(ctx, botID, symbol, "load current exposure", err)
	}

	projected := current + newOrderAmount
	admitted := projected < limit
	if ac.cfg.AdmitOnReach {
		admitted = projected <= limit
	}

	if !admitted {
		ac.logger.WarnContext(ctx, "notional ceiling rejection",
			slog.String("bot_id", botID),
			slog.String("symbol", symbol),
			slog.Float64("current", current),
			slog.Float64("requested", newOrderAmount),
			slog.Float64("ceiling", limit),
		)
		return AdmissionResult{Admitted: false, Reason: ReasonCeilingReached, Projected: projected, Ceiling: limit}
	}

	return AdmissionResult{Admitted: true, Reason: ReasonWithinLimit, Projected: projected, Ceiling: limit}
}

// checkPositionCount enforces MaxConcurrentPositions through the count cache.
// The second return value reports whether the admission decision is final.
func (ac *AdmissionController) checkPositionCount(ctx context.Context, bot *domain.BotConfig) (AdmissionResult, bool) {
	if bot.MaxConcurrentPositions <= 0 {
		return AdmissionResult{}, false
	}

	count, err := ac.cache.GetCount(ctx, bot.ID)
	if errors.Is(err, domain.ErrNotFound) {
		count, err = ac.positions.CountOpen(ctx, bot.ID)
		if err == nil {
			if cacheErr := ac.cache.SetCount(ctx, bot.ID, count, ac.cfg.CacheTTL); cacheErr != nil {
				ac.logger.WarnContext(ctx, "position count cache write failed",
					slog.String("bot_id", bot.ID),
					slog.String("error", cacheErr.Error()),
				)
			}
		}
	}
	if err != nil {
		return ac.failOpen(ctx, bot.ID, "", "load position count", err), true
	}

	if count >= bot.MaxConcurrentPositions {
		ac.logger.WarnContext(ctx, "concurrent position ceiling rejection",
			slog.String("bot_id", bot.ID),
			slog.Int("open", count),
			slog.Int("max", bot.MaxConcurrentPositions),
		)
		return AdmissionResult{Admitted: false, Reason: ReasonTooManyPositions}, true
	}
	return AdmissionResult{}, false
}

// acquireLock retries SETNX contention with backoff until the configured
// acquire timeout elapses. Other errors abort immediately.
func (ac *AdmissionController) acquireLock(ctx context.Context, botID, symbol string) (func(), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, ac.cfg.LockAcquireTimeout)
	defer cancel()

	cfg := retry.Config{
		MaxAttempts:  50, // bounded by the context deadline in practice
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0.2,
		RetryIf: func(err error) bool {
			return errors.Is(err, domain.ErrLockHeld)
		},
	}

	unlock, err := retry.DoWithResult(acquireCtx, cfg, func() (func(), error) {
		return ac.locks.Acquire(acquireCtx, admissionLockName(botID, symbol), ac.cfg.LockTTL)
	})
	if err != nil {
		// A deadline while waiting on a held lock is still contention.
		if errors.Is(err, domain.ErrLockHeld) || acquireCtx.Err() != nil {
			return nil, domain.ErrLockHeld
		}
		return nil, err
	}
	return unlock, nil
}

// currentNotional returns the committed exposure for (bot, symbol), consulting
// the short-TTL cache first. Cache entries are invalidated explicitly by the
// executor and monitor on position open/close; TTL expiry is the backstop.
func (ac *AdmissionController) currentNotional(ctx context.Context, botID, symbol string, limit float64) (float64, error) {
	exp, err := ac.cache.GetNotional(ctx, botID, symbol)
	if err == nil {
		return exp.Current, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		ac.logger.WarnContext(ctx, "exposure cache read failed",
			slog.String("bot_id", botID),
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}

	current, err := ac.positions.OpenNotional(ctx, botID, symbol)
	if err != nil {
		return 0, fmt.Errorf("admission: query open notional: %w", err)
	}

	snapshot := domain.Exposure{Current: current, Max: limit, HasLimit: true}
	if cacheErr := ac.cache.SetNotional(ctx, botID, symbol, snapshot, ac.cfg.CacheTTL); cacheErr != nil {
		ac.logger.WarnContext(ctx, "exposure cache write failed",
			slog.String("bot_id", botID),
			slog.String("symbol", symbol),
			slog.String("error", cacheErr.Error()),
		)
	}
	return current, nil
}

// failOpen admits despite an infra error, logging loudly and writing an audit
// row so the occurrence is never silent.
func (ac *AdmissionController) failOpen(ctx context.Context, botID, symbol, action string, err error) AdmissionResult {
	ac.logger.ErrorContext(ctx, "admission infra error, failing open",
		slog.String("bot_id", botID),
		slog.String("symbol", symbol),
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
	if auditErr := ac.audit.Log(ctx, "admission_fail_open", map[string]any{
		"bot_id": botID,
		"symbol": symbol,
		"action": action,
		"error":  err.Error(),
	}); auditErr != nil {
		ac.logger.ErrorContext(ctx, "audit write failed",
			slog.String("error", auditErr.Error()),
		)
	}
	return AdmissionResult{Admitted: true, Reason: ReasonFailOpen}
}
