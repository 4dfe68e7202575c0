package domain

import "time"

// BotConfig holds the per-bot risk ceilings enforced by the admission
// controller. MaxAmountPerCoin is nullable: nil or a negative value means no
// notional limit, while an explicit zero rejects all new exposure.
type BotConfig struct {
	ID       string
	Name     string
	Exchange string
	Testnet  bool
	Enabled  bool

	// MaxAmountPerCoin is the per-symbol notional ceiling in quote currency.
	MaxAmountPerCoin *float64

	// MaxConcurrentPositions caps open positions per bot; <= 0 means no limit.
	MaxConcurrentPositions int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NotionalLimit returns the effective per-symbol ceiling and whether one is
// configured. An unset or negative value means unlimited.
func (b *BotConfig) NotionalLimit() (float64, bool) {
	if b.MaxAmountPerCoin == nil || *b.MaxAmountPerCoin < 0 {
		return 0, false
	}
	return *b.MaxAmountPerCoin, true
}
