package domain

// StrategyParams carries the exit-target parameters a strategy attaches to
// its positions. Percentages are fractions of the entry price (0.01 = 1%).
type StrategyParams struct {
	ID   string
	Name string

	// TakeProfit is the initial take-profit distance from entry.
	TakeProfit float64

	// StopLoss is the hard stop-loss distance from entry. Zero means the
	// strategy runs without a hard stop; the dedup sweep uses this to decide
	// whether stop-loss orders may ever be cancelled.
	StopLoss float64

	// Extend is the trailing step: each time price moves a further Extend
	// beyond the current target, the protective trigger is ratcheted.
	Extend float64

	// OCThreshold is the open-candle threshold consumed by signal generation;
	// carried here only so it can be snapshotted alongside the other params.
	OCThreshold float64

	// IsReverse marks counter-trend strategies.
	IsReverse bool

	// ForceMarketEntry makes the executor always enter at market, dodging
	// "would immediately trigger" validation on tight limit entries.
	ForceMarketEntry bool
}

// HasHardStopLoss reports whether the strategy requires a standing stop-loss
// order that must never be removed by the dedup sweep.
func (s StrategyParams) HasHardStopLoss() bool {
	return s.StopLoss > 0
}
