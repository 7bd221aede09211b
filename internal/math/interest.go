// internal/math/interest.go
package math

import (
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// SecondsPerYear is the compounding year (365 days).
	SecondsPerYear = 365 * 24 * 60 * 60

	// RateDenominator expresses annual rates: 1e6 == 1%, 1e8 == 100%.
	RateDenominator = 100_000_000

	floatPrec = 256
)

// InterestOracle computes continuously compounded interest.
type InterestOracle interface {
	CompoundedInterest(principal *uint256.Int, rate uint32, seconds uint64) (*uint256.Int, error)
}

// InterestTerms are the loan terms that drive the owed amount of a position.
type InterestTerms struct {
	Rate        uint32 // annual, in RateDenominator units
	Period      uint32 // seconds; elapsed time is rounded up to a multiple of this
	MaxDuration uint32 // seconds; elapsed time is capped at this
}

// CompoundOracle is the default InterestOracle: principal * e^(rate * t / year), rounded up.
type CompoundOracle struct{}

func (CompoundOracle) CompoundedInterest(principal *uint256.Int, rate uint32, seconds uint64) (*uint256.Int, error) {
	if principal.IsZero() || rate == 0 || seconds == 0 {
		return principal.Clone(), nil
	}

	num := getBig()
	defer putBig(num)
	num.SetUint64(uint64(rate))
	num.Mul(num, new(big.Int).SetUint64(seconds))

	den := getBig()
	defer putBig(den)
	den.SetUint64(RateDenominator * SecondsPerYear)

	x := new(big.Float).SetPrec(floatPrec).SetInt(num)
	x.Quo(x, new(big.Float).SetPrec(floatPrec).SetInt(den))

	v := new(big.Float).SetPrec(floatPrec).SetInt(principal.ToBig())
	v.Mul(v, exp(x))

	owed, acc := v.Int(nil)
	if acc == big.Below {
		owed.Add(owed, big.NewInt(1))
	}

	result, overflow := uint256.FromBig(owed)
	if overflow {
		return nil, ErrOverflow
	}
	return result, nil
}

// exp evaluates e^x for x >= 0 by halving x below 0.5, summing the Taylor series and squaring back.
func exp(x *big.Float) *big.Float {
	half := big.NewFloat(0.5)
	r := new(big.Float).SetPrec(floatPrec).Set(x)
	squarings := 0
	for r.Cmp(half) > 0 {
		r.Quo(r, big.NewFloat(2))
		squarings++
	}

	sum := new(big.Float).SetPrec(floatPrec).SetInt64(1)
	term := new(big.Float).SetPrec(floatPrec).SetInt64(1)
	for n := int64(1); n < 200; n++ {
		term.Mul(term, r)
		term.Quo(term, new(big.Float).SetPrec(floatPrec).SetInt64(n))
		if term.Sign() == 0 || term.MantExp(nil)-sum.MantExp(nil) < -floatPrec {
			break
		}
		sum.Add(sum, term)
	}

	for i := 0; i < squarings; i++ {
		sum.Mul(sum, sum)
	}
	return sum
}

// EffectiveElapsed returns now-start rounded up to the interest period and capped at the
// max duration. A start of zero or a time before start yields zero.
func EffectiveElapsed(start, now uint64, terms InterestTerms) uint64 {
	if start == 0 || now <= start {
		return 0
	}
	elapsed := now - start
	if terms.Period > 1 {
		elapsed = DivRoundUp(elapsed, uint64(terms.Period)) * uint64(terms.Period)
	}
	if elapsed > uint64(terms.MaxDuration) {
		elapsed = uint64(terms.MaxDuration)
	}
	return elapsed
}

// OwedAmount is the amount owed at time now for a principal that started accruing at start.
func OwedAmount(oracle InterestOracle, principal *uint256.Int, terms InterestTerms, start, now uint64) (*uint256.Int, error) {
	return oracle.CompoundedInterest(principal, terms.Rate, EffectiveElapsed(start, now, terms))
}
