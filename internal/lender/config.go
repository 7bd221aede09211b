package lender

import (
	"github.com/ethereum/go-ethereum/common"
)

// Config is the construction-time configuration of a BucketLedger. It is copied at
// construction and never changes afterwards.
type Config struct {
	Self       common.Address // address holding the pool's tokens
	PositionID common.Hash
	OwedToken  common.Address
	HeldToken  common.Address

	BucketTime     uint32 // seconds per bucket
	InterestRate   uint32 // annual, 1e6 == 1%
	InterestPeriod uint32 // seconds
	MaxDuration    uint32 // seconds
	CallTimeLimit  uint32 // seconds

	// Collateral required at open, as held per unit of principal.
	MinHeldNumerator   uint64
	MinHeldDenominator uint64

	TrustedMarginCallers []common.Address
	TrustedWithdrawers   []common.Address
}

// Validate rejects malformed construction parameters.
func (c Config) Validate() error {
	switch {
	case c.Self == (common.Address{}):
		return configErr("lender address is zero")
	case c.PositionID == (common.Hash{}):
		return configErr("position id is zero")
	case c.OwedToken == (common.Address{}) || c.HeldToken == (common.Address{}):
		return configErr("token address is zero")
	case c.OwedToken == c.HeldToken:
		return configErr("owed and held token are the same")
	case c.BucketTime == 0:
		return configErr("bucket time is zero")
	case c.MaxDuration == 0:
		return configErr("max duration is zero")
	case c.InterestPeriod > c.MaxDuration:
		return configErr("interest period %d exceeds max duration %d", c.InterestPeriod, c.MaxDuration)
	case c.MinHeldDenominator == 0:
		return configErr("min held denominator is zero")
	}
	for _, a := range c.TrustedMarginCallers {
		if a == (common.Address{}) {
			return configErr("zero address in trusted margin callers")
		}
	}
	for _, a := range c.TrustedWithdrawers {
		if a == (common.Address{}) {
			return configErr("zero address in trusted withdrawers")
		}
	}
	return nil
}
