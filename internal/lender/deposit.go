package lender

import (
	lmath "BucketLender/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Deposit pulls amount of owed token from depositor and credits weight to beneficiary
// in the current bucket. Returns the bucket used and the weight granted.
func (l *BucketLedger) Deposit(depositor, beneficiary common.Address, amount *uint256.Int) (bucket uint64, weight *uint256.Int, err error) {
	const op = "deposit"

	switch {
	case beneficiary == (common.Address{}):
		return 0, nil, stateErr(op, "beneficiary is the zero address")
	case amount == nil || amount.IsZero():
		return 0, nil, stateErr(op, "amount is zero")
	case l.wasForceClosed:
		return 0, nil, stateErr(op, "position was force-closed")
	case l.positions.IsPositionCalled(l.cfg.PositionID):
		return 0, nil, stateErr(op, "position is margin-called")
	case l.positions.IsPositionClosed(l.cfg.PositionID):
		return 0, nil, stateErr(op, "position is closed")
	}

	cp := l.Begin()
	defer l.finish(cp, &err)

	// value the bucket against repayments made since the last pass
	if err = l.rebalance(); err != nil {
		return 0, nil, err
	}
	bucket = l.CurrentBucket()

	weight, err = l.priceDeposit(bucket, amount)
	if err != nil {
		return 0, nil, err
	}
	if weight.IsZero() {
		return 0, nil, &Error{Kind: KindArithmetic, Op: op, Msg: "amount rounds to zero weight"}
	}

	if err = l.tokens.Transfer(l.cfg.OwedToken, depositor, l.cfg.Self, amount); err != nil {
		return 0, nil, stateErr(op, "pull %s from %s: %v", amount.Dec(), depositor.Hex(), err)
	}

	bk := l.bucket(bucket)
	l.addAvailable(bk, amount)

	acct := l.weight(bucket, beneficiary)
	acct.Add(&acct, weight)
	l.setWeight(bucket, beneficiary, &acct)
	bk.TotalWeight.Add(&bk.TotalWeight, weight)
	l.record(ChangeDeposit, bk, beneficiary, amount, nil, weight)

	return bucket, weight, nil
}

// priceDeposit converts amount into weight at the bucket's current value per weight,
// rounding against the depositor.
func (l *BucketLedger) priceDeposit(b uint64, amount *uint256.Int) (*uint256.Int, error) {
	bk := l.peek(b)
	if bk == nil || bk.TotalWeight.IsZero() {
		return amount.Clone(), nil
	}

	owed, err := l.BucketOwedAmount(b)
	if err != nil {
		return nil, err
	}
	effective := new(uint256.Int).Add(&bk.Available, owed)
	if effective.IsZero() {
		return amount.Clone(), nil
	}

	weight, err := lmath.PartialAmount(amount, effective, &bk.TotalWeight, lmath.RoundDown)
	if err != nil {
		return nil, arithErr("deposit", err)
	}
	return weight, nil
}
