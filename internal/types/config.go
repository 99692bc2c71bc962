package types

import "time"

// Config carries the tunable engine parameters. BuyerCollateral decides
// whether placing a buy order requires a fiat hold of amount x limit price;
// when off, fiat settles out of band and only sell orders lock funds.
type Config struct {
	FeeRate            float64
	BuyerCollateral    bool
	ReaperInterval     time.Duration
	SettlementAttempts uint64
}

// DefaultConfig returns the production defaults: 1.5% platform fee, no
// buyer collateral, 5 second expiry sweeps, 3 settlement attempts.
func DefaultConfig() Config {
	return Config{
		FeeRate:            0.015,
		BuyerCollateral:    false,
		ReaperInterval:     5 * time.Second,
		SettlementAttempts: 3,
	}
}
