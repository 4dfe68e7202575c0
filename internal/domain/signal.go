package domain

import "time"

// TradeSignal is an opaque entry decision produced by a signal source
// (indicator pipeline, webhook, manual). The engine does not interpret how
// the signal was generated; it only turns it into exactly one protected
// position or drops it.
type TradeSignal struct {
	ID         string
	BotID      string
	StrategyID string
	Symbol     string
	Side       Side

	// Price is the desired entry price. The executor compares it against the
	// current market to choose LIMIT vs MARKET.
	Price float64

	// Amount is the quote-currency notional to deploy.
	Amount float64

	Source    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Quantity converts the quote notional into a base quantity at the given
// reference price.
func (s TradeSignal) Quantity(refPrice float64) float64 {
	if refPrice <= 0 {
		return 0
	}
	return s.Amount / refPrice
}
