package state

import (
	lmath "BucketLender/internal/math"

	"github.com/holiman/uint256"
)

// MarginCalculator derives the token amounts that move when a position changes size.
// Rounding always favours the lender: amounts paid in round up, amounts paid out round down.
type MarginCalculator struct {
	oracle lmath.InterestOracle
}

func NewMarginCalculator(oracle lmath.InterestOracle) *MarginCalculator {
	return &MarginCalculator{oracle: oracle}
}

func (p *Position) interestTerms() lmath.InterestTerms {
	return lmath.InterestTerms{
		Rate:        p.Terms.InterestRate,
		Period:      p.Terms.InterestPeriod,
		MaxDuration: p.Terms.MaxDuration,
	}
}

// OwedAmount is what closing principal of the position costs at time now
func (mc *MarginCalculator) OwedAmount(pos *Position, principal *uint256.Int, now uint64) (*uint256.Int, error) {
	return lmath.OwedAmount(mc.oracle, principal, pos.interestTerms(), pos.StartTimestamp, now)
}

// LenderAmountForIncrease is what a new lender must supply for principalToAdd so that it
// is owed the same as if it had lent at the position's start
func (mc *MarginCalculator) LenderAmountForIncrease(pos *Position, principalToAdd *uint256.Int, now uint64) (*uint256.Int, error) {
	return mc.OwedAmount(pos, principalToAdd, now)
}

// HeldForIncrease is the collateral that keeps the held/principal ratio constant
func (mc *MarginCalculator) HeldForIncrease(pos *Position, principalToAdd *uint256.Int) (*uint256.Int, error) {
	if pos.Principal.IsZero() {
		return new(uint256.Int), nil
	}
	return lmath.PartialAmount(principalToAdd, &pos.Principal, &pos.HeldBalance, lmath.RoundUp)
}

// HeldToRelease is the collateral returned when principalToClose is repaid
func (mc *MarginCalculator) HeldToRelease(pos *Position, principalToClose *uint256.Int) *uint256.Int {
	if principalToClose.Cmp(&pos.Principal) >= 0 {
		return pos.HeldBalance.Clone()
	}
	return lmath.MustPartialAmount(principalToClose, &pos.Principal, &pos.HeldBalance, lmath.RoundDown)
}

// CanForceRecover reports whether collateral may be seized at time now: either a margin
// call has run past its time limit or the position has outlived its max duration
func (mc *MarginCalculator) CanForceRecover(pos *Position, now uint64) bool {
	if pos.Status.IsClosed() {
		return false
	}
	if pos.CallTimestamp != 0 && now >= pos.CallTimestamp+uint64(pos.Terms.CallTimeLimit) {
		return true
	}
	return now >= pos.StartTimestamp+uint64(pos.Terms.MaxDuration)
}
