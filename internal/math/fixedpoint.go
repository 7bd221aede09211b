// internal/math/fixedpoint.go
package math

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

// ErrDivideByZero is returned when a partial amount is requested with a zero denominator.
var ErrDivideByZero = errors.New("math: division by zero")

// ErrOverflow is returned when an intermediate or final result does not fit in 256 bits.
var ErrOverflow = errors.New("math: uint256 overflow")

type RoundingMode int

const (
	RoundDown RoundingMode = iota // floor, favours the pool
	RoundUp                       // ceil, used for amounts owed to the pool
)

// Max is the 2^256-1 sentinel used for "all remaining" requests and open-ended terms.
var Max = new(uint256.Int).SetAllOne()

// bigPool holds scratch big.Ints for the interest path
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	bigPool.Put(v)
}

// PartialAmount computes numerator * target / denominator with the given rounding.
// The product is evaluated at 512 bits so only the final result can overflow.
func PartialAmount(numerator, denominator, target *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if denominator.IsZero() {
		return nil, ErrDivideByZero
	}

	result, overflow := new(uint256.Int).MulDivOverflow(numerator, target, denominator)
	if overflow {
		return nil, ErrOverflow
	}

	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(numerator, target, denominator)
		if !rem.IsZero() {
			if _, carry := result.AddOverflow(result, uint256.NewInt(1)); carry {
				return nil, ErrOverflow
			}
		}
	}

	return result, nil
}

// MustPartialAmount is PartialAmount for callers that have already bounded the operands
// (numerator <= denominator) and therefore cannot overflow.
func MustPartialAmount(numerator, denominator, target *uint256.Int, mode RoundingMode) *uint256.Int {
	result, err := PartialAmount(numerator, denominator, target, mode)
	if err != nil {
		panic("FATAL: partial amount: " + err.Error())
	}
	return result
}

// Min returns a copy of the smaller operand.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// DivRoundUp returns ceil(a / b) for non-zero b.
func DivRoundUp(a, b uint64) uint64 {
	if a == 0 {
		return 0
	}
	return (a-1)/b + 1
}
