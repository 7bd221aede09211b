package lender

import (
	lmath "BucketLender/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxWeight requests all remaining weight of the account in a bucket.
var MaxWeight = lmath.Max

// Withdraw redeems weight of onBehalfOf in each listed bucket and pays caller. Only
// onBehalfOf itself or a trusted withdrawer may call it. The call fails as a whole if
// any bucket fails.
func (l *BucketLedger) Withdraw(caller common.Address, buckets []uint64, weights []*uint256.Int, onBehalfOf common.Address) (owedPaid, heldPaid *uint256.Int, err error) {
	const op = "withdraw"

	if len(buckets) != len(weights) {
		return nil, nil, stateErr(op, "%d buckets but %d weights", len(buckets), len(weights))
	}
	if caller != onBehalfOf && !l.trustedWithdrawers[caller] {
		return nil, nil, authErr(op, "%s may not withdraw for %s", caller.Hex(), onBehalfOf.Hex())
	}

	cp := l.Begin()
	defer l.finish(cp, &err)

	if err = l.rebalance(); err != nil {
		return nil, nil, err
	}
	if l.wasForceClosed {
		l.freezeRatio()
	}
	locked, hasLocked := l.lockedBucket()

	owedPaid, heldPaid = new(uint256.Int), new(uint256.Int)
	for i, b := range buckets {
		if weights[i] == nil {
			return nil, nil, stateErr(op, "nil weight for bucket %d", b)
		}
		acct := l.weight(b, onBehalfOf)
		w := weights[i].Clone()
		if w.Eq(MaxWeight) {
			w = acct.Clone()
		} else if w.Gt(&acct) {
			return nil, nil, stateErr(op, "weight %s exceeds account weight %s in bucket %d", w.Dec(), acct.Dec(), b)
		}
		if w.IsZero() || (hasLocked && b == locked) {
			continue
		}

		owed, held, err := l.redeem(b, onBehalfOf, w)
		if err != nil {
			return nil, nil, err
		}
		owedPaid.Add(owedPaid, owed)
		heldPaid.Add(heldPaid, held)
	}

	if err = l.tokens.Transfer(l.cfg.OwedToken, l.cfg.Self, caller, owedPaid); err != nil {
		return nil, nil, stateErr(op, "pay owed token: %v", err)
	}
	if err = l.tokens.Transfer(l.cfg.HeldToken, l.cfg.Self, caller, heldPaid); err != nil {
		return nil, nil, stateErr(op, "pay held token: %v", err)
	}

	return owedPaid, heldPaid, nil
}

// redeem burns w of account's weight in bucket b and books the payout.
func (l *BucketLedger) redeem(b uint64, account common.Address, w *uint256.Int) (owed, held *uint256.Int, err error) {
	const op = "withdraw"

	bk := l.peek(b)
	if bk == nil || bk.TotalWeight.IsZero() {
		return nil, nil, stateErr(op, "bucket %d has no weight", b)
	}

	value, err := l.BucketOwedAmount(b)
	if err != nil {
		return nil, nil, err
	}
	value.Add(value, &bk.Available)

	owed, err = lmath.PartialAmount(w, &bk.TotalWeight, value, lmath.RoundDown)
	if err != nil {
		return nil, nil, arithErr(op, err)
	}
	if owed.Gt(&bk.Available) {
		return nil, nil, stateErr(op, "bucket %d has %s available, redemption needs %s", b, bk.Available.Dec(), owed.Dec())
	}

	held = new(uint256.Int)
	if l.wasForceClosed {
		share := lmath.MustPartialAmount(w, &bk.TotalWeight, &bk.Principal, lmath.RoundDown)
		if !l.principalPool.IsZero() {
			held, err = lmath.PartialAmount(share, &l.principalPool, &l.heldPool, lmath.RoundDown)
			if err != nil {
				return nil, nil, arithErr(op, err)
			}
		}
		l.subPrincipal(bk, share)
	}

	l.subAvailable(bk, owed)

	acct := l.weight(b, account)
	acct.Sub(&acct, w)
	l.setWeight(b, account, &acct)
	bk.TotalWeight.Sub(&bk.TotalWeight, w)
	l.record(ChangeWithdraw, bk, account, owed, held, w)

	return owed, held, nil
}

// lockedBucket is the bucket that cannot be redeemed from: the current bucket when it
// is also the critical bucket and holds principal of the open position.
func (l *BucketLedger) lockedBucket() (uint64, bool) {
	if !l.positions.ContainsPosition(l.cfg.PositionID) {
		return 0, false
	}
	current := l.CurrentBucket()
	if current == 0 || l.criticalBucket != current {
		return 0, false
	}
	bk := l.peek(current)
	if bk == nil || bk.Principal.IsZero() {
		return 0, false
	}
	return current, true
}

// freezeRatio fixes the held-token payout per unit of principal after force-close.
func (l *BucketLedger) freezeRatio() {
	if l.frozen {
		return
	}
	l.frozen = true
	l.heldPool = *l.tokens.BalanceOf(l.cfg.HeldToken, l.cfg.Self)
	l.principalPool = l.principalTotal
}

// FreezeForceCloseRatio fixes the post-liquidation ratio once the recovered collateral
// has arrived. It is a no-op before force-close or once frozen.
func (l *BucketLedger) FreezeForceCloseRatio() {
	if l.wasForceClosed {
		l.freezeRatio()
	}
}
