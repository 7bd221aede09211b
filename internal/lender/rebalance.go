package lender

import (
	lmath "BucketLender/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RebalanceBuckets reconciles bucket principal with the position ledger, applying
// repayments to the oldest outstanding buckets first. Idempotent.
func (l *BucketLedger) RebalanceBuckets() (err error) {
	cp := l.Begin()
	defer l.finish(cp, &err)
	return l.rebalance()
}

func (l *BucketLedger) rebalance() error {
	if l.wasForceClosed {
		return nil
	}
	ledgerPrincipal := l.positions.PositionPrincipal(l.cfg.PositionID)
	if ledgerPrincipal.Gt(&l.principalTotal) {
		return stateErr("rebalance", "ledger principal %s exceeds accounted principal %s", ledgerPrincipal.Dec(), l.principalTotal.Dec())
	}
	return l.accountForClose(new(uint256.Int).Sub(&l.principalTotal, ledgerPrincipal))
}

// accountForClose removes principalRemoved FIFO from the critical bucket upward and
// credits the repaid delta to the same buckets in proportion.
func (l *BucketLedger) accountForClose(principalRemoved *uint256.Int) error {
	const op = "rebalance"
	if principalRemoved.IsZero() {
		return nil
	}

	repaid := l.positions.TotalOwedTokenRepaidToLender(l.cfg.PositionID)
	if repaid.Lt(&l.cachedRepaid) {
		return stateErr(op, "repaid counter went backwards: %s < %s", repaid.Dec(), l.cachedRepaid.Dec())
	}
	availableToAdd := new(uint256.Int).Sub(repaid, &l.cachedRepaid)
	principalToSub := principalRemoved.Clone()

	settled := make(map[uint64]bool)
	for slot := l.slotFrom(l.criticalBucket); !principalToSub.IsZero(); slot++ {
		if slot >= len(l.arena) {
			return stateErr(op, "%s principal removed beyond last bucket", principalToSub.Dec())
		}
		bk := &l.arena[slot]
		if bk.Principal.IsZero() {
			continue
		}
		p := lmath.Min(principalToSub, &bk.Principal)
		a := lmath.MustPartialAmount(p, principalToSub, availableToAdd, lmath.RoundDown)

		l.subPrincipal(bk, p)
		l.addAvailable(bk, a)
		if bk.Principal.IsZero() {
			settled[bk.Index] = true
		}

		principalToSub.Sub(principalToSub, p)
		availableToAdd.Sub(availableToAdd, a)
	}

	l.cachedRepaid = *repaid
	l.record(ChangeRepaidCached, nil, common.Address{}, repaid, nil, nil)
	l.advanceCritical(settled)
	return nil
}

// accountForIncrease moves lentAmount from available to principal, drawing from the
// critical bucket forward to the current bucket. principalAdded is attributed to each
// bucket in proportion to what it lent.
func (l *BucketLedger) accountForIncrease(principalAdded, lentAmount *uint256.Int) error {
	const op = "increase"

	if lendable := l.lendableAvailable(); lentAmount.Gt(lendable) {
		return stateErr(op, "lent amount %s exceeds lendable available %s", lentAmount.Dec(), lendable.Dec())
	}

	current := l.CurrentBucket()
	principalToAdd := principalAdded.Clone()
	availableToSub := lentAmount.Clone()

	for slot := l.slotFrom(l.criticalBucket); slot < len(l.arena) && !availableToSub.IsZero(); slot++ {
		bk := &l.arena[slot]
		if bk.Index > current {
			break
		}
		if bk.Available.IsZero() {
			continue
		}
		take := lmath.Min(availableToSub, &bk.Available)
		p := lmath.MustPartialAmount(take, availableToSub, principalToAdd, lmath.RoundDown)

		l.subAvailable(bk, take)
		l.addPrincipal(bk, p)

		availableToSub.Sub(availableToSub, take)
		principalToAdd.Sub(principalToAdd, p)
	}

	if !availableToSub.IsZero() || !principalToAdd.IsZero() {
		return stateErr(op, "could not place %s lent / %s principal", availableToSub.Dec(), principalToAdd.Dec())
	}
	l.advanceCritical(nil)
	return nil
}

// lendableAvailable sums available from the critical bucket through the current bucket.
func (l *BucketLedger) lendableAvailable() *uint256.Int {
	current := l.CurrentBucket()
	total := new(uint256.Int)
	for slot := l.slotFrom(l.criticalBucket); slot < len(l.arena); slot++ {
		if l.arena[slot].Index > current {
			break
		}
		total.Add(total, &l.arena[slot].Available)
	}
	return total
}

// advanceCritical moves the critical bucket past empty buckets and buckets settled in
// this pass, up to the first bucket still holding principal or unlent funds. It never
// moves past the current bucket and never moves backwards.
func (l *BucketLedger) advanceCritical(settled map[uint64]bool) {
	current := l.CurrentBucket()
	next := current
	for slot := l.slotFrom(l.criticalBucket); slot < len(l.arena); slot++ {
		bk := &l.arena[slot]
		if bk.Index > current {
			break
		}
		if !bk.Principal.IsZero() || (!bk.Available.IsZero() && !settled[bk.Index]) {
			next = bk.Index
			break
		}
	}
	if next <= l.criticalBucket {
		return
	}
	l.criticalBucket = next
	l.record(ChangeCriticalBucket, l.peek(next), common.Address{}, nil, nil, nil)
}
