package lender

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MarginCallOnBehalfOf approves a margin call by a trusted caller that demands no
// extra collateral.
func (l *BucketLedger) MarginCallOnBehalfOf(caller common.Address, positionID common.Hash, depositAmount *uint256.Int) error {
	const op = "margin call"

	if err := l.checkPosition(op, positionID); err != nil {
		return err
	}
	if !l.trustedMarginCallers[caller] {
		return authErr(op, "%s is not a trusted margin caller", caller.Hex())
	}
	if depositAmount != nil && !depositAmount.IsZero() {
		return authErr(op, "margin call may not require a deposit")
	}
	return nil
}

// CancelMarginCallOnBehalfOf approves canceling a margin call by a trusted caller.
func (l *BucketLedger) CancelMarginCallOnBehalfOf(caller common.Address, positionID common.Hash) error {
	const op = "cancel margin call"

	if err := l.checkPosition(op, positionID); err != nil {
		return err
	}
	if !l.trustedMarginCallers[caller] {
		return authErr(op, "%s is not a trusted margin caller", caller.Hex())
	}
	return nil
}

// ForceRecoverCollateralOnBehalfOf approves seizing the collateral into this lender.
// Outstanding repayments are reconciled, then the lender is permanently force-closed.
func (l *BucketLedger) ForceRecoverCollateralOnBehalfOf(caller common.Address, positionID common.Hash, recipient common.Address) (err error) {
	const op = "force recover"

	if err := l.checkPosition(op, positionID); err != nil {
		return err
	}
	if !l.trustedMarginCallers[caller] {
		return authErr(op, "%s is not a trusted margin caller", caller.Hex())
	}
	if recipient != l.cfg.Self {
		return authErr(op, "collateral must be recovered to the lender, not %s", recipient.Hex())
	}

	cp := l.Begin()
	defer l.finish(cp, &err)

	if err = l.rebalance(); err != nil {
		return err
	}
	l.wasForceClosed = true
	l.record(ChangeForceClosed, nil, common.Address{}, nil, nil, nil)
	return nil
}
