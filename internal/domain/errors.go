package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrLockHeld     = errors.New("lock already held")
	ErrContextDone  = errors.New("context cancelled")
	ErrClaimed      = errors.New("position claimed by another worker")
	ErrFinalized    = errors.New("reservation already finalized")
	ErrBotDisabled  = errors.New("bot disabled")
	ErrNoSuchSymbol = errors.New("symbol not tradable")
)

// RejectCategory classifies exchange rejections the engine knows how to
// degrade on. Everything outside these categories is treated as unexpected
// and propagated.
type RejectCategory string

const (
	// RejectWouldTrigger: the trigger price sits on the wrong side of the
	// current market ("order would immediately trigger").
	RejectWouldTrigger RejectCategory = "would_trigger"
	// RejectMinNotional: order value below the exchange floor.
	RejectMinNotional RejectCategory = "min_notional"
	// RejectInsufficientMargin: not enough free margin for the order.
	RejectInsufficientMargin RejectCategory = "insufficient_margin"
	// RejectQuantRule: exchange quant-rule / anti-manipulation restriction.
	RejectQuantRule RejectCategory = "quant_rule"
	// RejectUntradable: instrument suspended, delisting, or in auction.
	RejectUntradable RejectCategory = "untradable"
	// RejectDuplicateClientID: client order ID already used.
	RejectDuplicateClientID RejectCategory = "duplicate_client_id"
	// RejectUnknownOrder: order already gone on cancel/status lookup.
	RejectUnknownOrder RejectCategory = "unknown_order"
)

// ExchangeError is a categorized exchange rejection. Adapters translate
// venue-specific error codes into one of the RejectCategory values so the
// engine can branch without knowing wire details.
type ExchangeError struct {
	Category RejectCategory
	Code     int
	Msg      string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange: %s (code %d): %s", e.Category, e.Code, e.Msg)
}

// NewExchangeError builds a categorized exchange error.
func NewExchangeError(cat RejectCategory, code int, msg string) *ExchangeError {
	return &ExchangeError{Category: cat, Code: code, Msg: msg}
}

// RejectCategoryOf extracts the category from err, or "" if err is not a
// categorized exchange error.
func RejectCategoryOf(err error) RejectCategory {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// IsSoftReject reports whether err is an expected exchange rejection that the
// executor swallows (logged, signal dropped) rather than propagates.
func IsSoftReject(err error) bool {
	switch RejectCategoryOf(err) {
	case RejectWouldTrigger, RejectMinNotional, RejectInsufficientMargin,
		RejectQuantRule, RejectUntradable:
		return true
	}
	return false
}

// IsWouldTrigger reports a "would immediately trigger" rejection.
func IsWouldTrigger(err error) bool {
	return RejectCategoryOf(err) == RejectWouldTrigger
}

// IsDuplicateClientID reports a duplicate client-order-ID rejection.
func IsDuplicateClientID(err error) bool {
	return RejectCategoryOf(err) == RejectDuplicateClientID
}

// IsOrderGone reports that the referenced order no longer exists on the
// exchange; tolerated on cancel during replace-then-place.
func IsOrderGone(err error) bool {
	return RejectCategoryOf(err) == RejectUnknownOrder
}
