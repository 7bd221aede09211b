package math_test

import (
	"errors"
	"testing"

	lmath "BucketLender/internal/math"

	"github.com/holiman/uint256"
)

// ============================================================================
// Test: PartialAmount
// ============================================================================

func TestPartialAmount_RoundDown(t *testing.T) {
	got, err := lmath.PartialAmount(uint256.NewInt(1), uint256.NewInt(3), uint256.NewInt(10), lmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 3 {
		t.Errorf("got %d, want 3", got.Uint64())
	}
}

func TestPartialAmount_RoundUp(t *testing.T) {
	got, err := lmath.PartialAmount(uint256.NewInt(1), uint256.NewInt(3), uint256.NewInt(10), lmath.RoundUp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 4 {
		t.Errorf("got %d, want 4", got.Uint64())
	}
}

func TestPartialAmount_ExactDivisionNotRoundedUp(t *testing.T) {
	got, _ := lmath.PartialAmount(uint256.NewInt(2), uint256.NewInt(4), uint256.NewInt(10), lmath.RoundUp)
	if got.Uint64() != 5 {
		t.Errorf("got %d, want 5", got.Uint64())
	}
}

func TestPartialAmount_WideIntermediate(t *testing.T) {
	// MAX * 2 / 4 overflows 256 bits in the product but not in the result
	got, err := lmath.PartialAmount(lmath.Max, uint256.NewInt(4), uint256.NewInt(2), lmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(uint256.Int).Rsh(lmath.Max, 1)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestPartialAmount_DivideByZero(t *testing.T) {
	_, err := lmath.PartialAmount(uint256.NewInt(1), new(uint256.Int), uint256.NewInt(1), lmath.RoundDown)
	if !errors.Is(err, lmath.ErrDivideByZero) {
		t.Errorf("expected ErrDivideByZero, got %v", err)
	}
}

func TestPartialAmount_Overflow(t *testing.T) {
	_, err := lmath.PartialAmount(lmath.Max, uint256.NewInt(1), uint256.NewInt(2), lmath.RoundDown)
	if !errors.Is(err, lmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

// ============================================================================
// Test: Interest
// ============================================================================

func TestCompoundedInterest_ZeroTimeIsIdentity(t *testing.T) {
	p := uint256.NewInt(1_000_000)
	got, err := lmath.CompoundOracle{}.CompoundedInterest(p, 10_000_000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(p) {
		t.Errorf("got %s, want %s", got.Dec(), p.Dec())
	}
}

func TestCompoundedInterest_TenPercentOneYear(t *testing.T) {
	// 1e18 * e^0.1 = 1105170918075647624.81...
	p := uint256.MustFromDecimal("1000000000000000000")
	got, err := lmath.CompoundOracle{}.CompoundedInterest(p, 10_000_000, lmath.SecondsPerYear)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := uint256.MustFromDecimal("1105170918075647625")
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestCompoundedInterest_RoundsUp(t *testing.T) {
	got, _ := lmath.CompoundOracle{}.CompoundedInterest(uint256.NewInt(1), 10_000_000, 1)
	if got.Uint64() != 2 {
		t.Errorf("any accrual on a unit principal should round up to 2, got %d", got.Uint64())
	}
}

func TestCompoundedInterest_LargeExponent(t *testing.T) {
	// 100%/yr for 10 years: e^10 = 22026.4657948...
	got, err := lmath.CompoundOracle{}.CompoundedInterest(uint256.NewInt(1_000_000), lmath.RateDenominator, 10*lmath.SecondsPerYear)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 22_026_465_795 {
		t.Errorf("got %d, want 22026465795", got.Uint64())
	}
}

func TestEffectiveElapsed(t *testing.T) {
	terms := lmath.InterestTerms{Rate: 1, Period: 3600, MaxDuration: 7200}
	tests := []struct {
		name       string
		start, now uint64
		want       uint64
	}{
		{"not started", 0, 100, 0},
		{"same second", 100, 100, 0},
		{"rounds up to period", 100, 101, 3600},
		{"exact period", 100, 3700, 3600},
		{"capped at max duration", 100, 100_000, 7200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lmath.EffectiveElapsed(tt.start, tt.now, terms); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOwedAmount_UsesEffectiveElapsed(t *testing.T) {
	terms := lmath.InterestTerms{Rate: 10_000_000, Period: 1, MaxDuration: lmath.SecondsPerYear}
	p := uint256.MustFromDecimal("1000000000000000000")
	capped, _ := lmath.OwedAmount(lmath.CompoundOracle{}, p, terms, 1, 1+5*lmath.SecondsPerYear)
	oneYear, _ := lmath.CompoundOracle{}.CompoundedInterest(p, terms.Rate, lmath.SecondsPerYear)
	if !capped.Eq(oneYear) {
		t.Errorf("owed amount past max duration should equal one year of interest: got %s want %s", capped.Dec(), oneYear.Dec())
	}
}
