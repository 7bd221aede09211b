package lender

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrInvariantViolated marks a broken bookkeeping invariant. It is never expected in
// operation; callers treat it as fatal.
var ErrInvariantViolated = errors.New("bucket lender invariant violated")

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolated, fmt.Sprintf(format, args...))
}

// CheckInvariants verifies the pool's bookkeeping against itself, the token balances
// and the position ledger. It also tracks the critical bucket and the force-close flag
// across calls, so it must be called at every boundary where they are observed.
func (l *BucketLedger) CheckInvariants() error {
	var available, principal uint256.Int
	for i := range l.arena {
		bk := &l.arena[i]
		if i > 0 && l.arena[i-1].Index >= bk.Index {
			return violation("bucket arena out of order at %d", bk.Index)
		}
		available.Add(&available, &bk.Available)
		principal.Add(&principal, &bk.Principal)
		if bk.Index < l.criticalBucket && !bk.Principal.IsZero() {
			return violation("bucket %d below critical bucket %d holds principal %s", bk.Index, l.criticalBucket, bk.Principal.Dec())
		}
	}
	if !available.Eq(&l.availableTotal) {
		return violation("bucket available sums to %s, total is %s", available.Dec(), l.availableTotal.Dec())
	}
	if !principal.Eq(&l.principalTotal) {
		return violation("bucket principal sums to %s, total is %s", principal.Dec(), l.principalTotal.Dec())
	}

	sums := make(map[uint64]*uint256.Int)
	for k, w := range l.weights {
		if w.IsZero() {
			return violation("zero weight record for %s in bucket %d", k.Depositor.Hex(), k.Bucket)
		}
		s, ok := sums[k.Bucket]
		if !ok {
			s = new(uint256.Int)
			sums[k.Bucket] = s
		}
		s.Add(s, &w)
	}
	for i := range l.arena {
		bk := &l.arena[i]
		s, ok := sums[bk.Index]
		if !ok {
			s = new(uint256.Int)
		}
		if !s.Eq(&bk.TotalWeight) {
			return violation("bucket %d account weights sum to %s, total weight is %s", bk.Index, s.Dec(), bk.TotalWeight.Dec())
		}
		delete(sums, bk.Index)
	}
	if len(sums) != 0 {
		return violation("weight records for %d untracked buckets", len(sums))
	}

	if bal := l.tokens.BalanceOf(l.cfg.OwedToken, l.cfg.Self); bal.Lt(&l.availableTotal) {
		return violation("owed token balance %s below accounted available %s", bal.Dec(), l.availableTotal.Dec())
	}

	if !l.wasForceClosed {
		ledgerPrincipal := l.positions.PositionPrincipal(l.cfg.PositionID)
		if !ledgerPrincipal.Eq(&l.principalTotal) {
			return violation("accounted principal %s, position principal %s", l.principalTotal.Dec(), ledgerPrincipal.Dec())
		}
	} else if len(l.weights) == 0 && (!l.availableTotal.IsZero() || !l.principalTotal.IsZero()) {
		return violation("all weight redeemed after force-close but pools hold %s available, %s principal",
			l.availableTotal.Dec(), l.principalTotal.Dec())
	}

	if l.criticalBucket < l.lastCheckedCritical {
		return violation("critical bucket moved back from %d to %d", l.lastCheckedCritical, l.criticalBucket)
	}
	if l.criticalBucket > l.CurrentBucket() {
		return violation("critical bucket %d ahead of current bucket %d", l.criticalBucket, l.CurrentBucket())
	}
	if l.sawForceClosed && !l.wasForceClosed {
		return violation("force-close flag reverted")
	}
	l.lastCheckedCritical = l.criticalBucket
	l.sawForceClosed = l.wasForceClosed
	return nil
}
