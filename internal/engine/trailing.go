package engine

import "github.com/alanyoungcy/futuresbot/internal/domain"

// computeTargets derives the initial take-profit and stop-loss prices from
// the strategy parameters and the effective entry price. A zero stop-loss
// parameter yields a zero stop price (no hard stop).
func computeTargets(params domain.StrategyParams, side domain.Side, entryPrice float64) (takeProfit, stopLoss float64) {
	if entryPrice <= 0 {
		return 0, 0
	}
	switch side {
	case domain.SideLong:
		takeProfit = entryPrice * (1 + params.TakeProfit)
		if params.StopLoss > 0 {
			stopLoss = entryPrice * (1 - params.StopLoss)
		}
	case domain.SideShort:
		takeProfit = entryPrice * (1 - params.TakeProfit)
		if params.StopLoss > 0 {
			stopLoss = entryPrice * (1 + params.StopLoss)
		}
	}
	return takeProfit, stopLoss
}

// nextExitTarget computes the protective trigger the position should carry
// right now, and whether that target came from trailing progress rather than
// the initial parameters.
//
// The position holds a single live protective order. Its trigger starts at
// the hard stop-loss price (or at the take-profit price for strategies with
// no hard stop) and, when the strategy trails (Extend > 0), ratchets an
// Extend distance behind the market once doing so locks in profit: for a
// long the trigger only ever moves up, for a short only ever down. The
// trigger never retreats, and trailing never engages while the ratchet would
// still sit on the losing side of the entry.
func nextExitTarget(pos *domain.Position, params domain.StrategyParams, marketPrice float64) (desired float64, trailing bool) {
	desired = pos.StopLossPrice
	if desired <= 0 {
		desired = pos.TakeProfitPrice
	}
	if marketPrice <= 0 || params.Extend <= 0 {
		return desired, false
	}

	switch pos.Side {
	case domain.SideLong:
		if candidate := marketPrice * (1 - params.Extend); candidate > desired && candidate > pos.EntryPrice {
			return candidate, true
		}
	case domain.SideShort:
		if candidate := marketPrice * (1 + params.Extend); candidate < desired && candidate < pos.EntryPrice {
			return candidate, true
		}
	}
	return desired, false
}
