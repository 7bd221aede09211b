package lender

import (
	lmath "BucketLender/internal/math"
	"BucketLender/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CanonicalOffering is the only loan offering this lender agrees to, for amount.
func (l *BucketLedger) CanonicalOffering(amount *uint256.Int) state.LoanOffering {
	o := state.LoanOffering{
		OwedToken:           l.cfg.OwedToken,
		HeldToken:           l.cfg.HeldToken,
		Payer:               l.cfg.Self,
		MaxAmount:           *lmath.Max,
		ExpirationTimestamp: *lmath.Max,
		CallTimeLimit:       l.cfg.CallTimeLimit,
		MaxDuration:         l.cfg.MaxDuration,
		InterestRate:        l.cfg.InterestRate,
		InterestPeriod:      l.cfg.InterestPeriod,
	}
	if amount != nil {
		o.Amount = *amount
	}
	return o
}

func (l *BucketLedger) checkPosition(op string, positionID common.Hash) error {
	if positionID != l.cfg.PositionID {
		return authErr(op, "position %s is not %s", positionID.Hex(), l.cfg.PositionID.Hex())
	}
	return nil
}

// VerifyLoanOffering approves lending offering.Amount into the position when every
// term matches the canonical offering and the amount is covered by accounted funds.
func (l *BucketLedger) VerifyLoanOffering(offering state.LoanOffering, positionID common.Hash) (err error) {
	const op = "verify loan offering"

	if err := l.checkPosition(op, positionID); err != nil {
		return err
	}
	if offering != l.CanonicalOffering(&offering.Amount) {
		return authErr(op, "loan offering terms do not match")
	}

	cp := l.Begin()
	defer l.finish(cp, &err)

	if err = l.rebalance(); err != nil {
		return err
	}

	switch {
	case l.wasForceClosed:
		return stateErr(op, "position was force-closed")
	case !l.positions.ContainsPosition(positionID):
		return stateErr(op, "position is not open")
	case l.positions.IsPositionCalled(positionID):
		return stateErr(op, "position is margin-called")
	}

	if lendable := l.lendableAvailable(); offering.Amount.Gt(lendable) {
		return stateErr(op, "amount %s exceeds lendable available %s", offering.Amount.Dec(), lendable.Dec())
	}
	return nil
}

// ReceiveLoanOwnership takes the loan of a position opened without a counterparty.
// The opener's principal becomes bucket 0 principal and weight.
func (l *BucketLedger) ReceiveLoanOwnership(from common.Address, positionID common.Hash) (err error) {
	const op = "receive loan ownership"

	if err := l.checkPosition(op, positionID); err != nil {
		return err
	}
	if !l.principalTotal.IsZero() {
		return stateErr(op, "lender already owns a loan")
	}
	if from == l.cfg.Self {
		return stateErr(op, "lender cannot open its own position")
	}

	pos, ok := l.positions.GetPosition(positionID)
	if !ok {
		return stateErr(op, "position does not exist")
	}
	switch {
	case pos.Terms.OwedToken != l.cfg.OwedToken:
		return authErr(op, "owed token mismatch")
	case pos.Terms.HeldToken != l.cfg.HeldToken:
		return authErr(op, "held token mismatch")
	case pos.Terms.MaxDuration != l.cfg.MaxDuration:
		return authErr(op, "max duration mismatch")
	case pos.Terms.CallTimeLimit != l.cfg.CallTimeLimit:
		return authErr(op, "call time limit mismatch")
	case pos.Terms.InterestRate != l.cfg.InterestRate:
		return authErr(op, "interest rate mismatch")
	case pos.Terms.InterestPeriod != l.cfg.InterestPeriod:
		return authErr(op, "interest period mismatch")
	}

	principal := pos.Principal.Clone()
	minHeld, err := lmath.PartialAmount(
		uint256.NewInt(l.cfg.MinHeldNumerator), uint256.NewInt(l.cfg.MinHeldDenominator), principal, lmath.RoundDown)
	if err != nil {
		return arithErr(op, err)
	}
	if held := l.positions.PositionBalance(positionID); held.Lt(minHeld) {
		return stateErr(op, "collateral %s below required %s", held.Dec(), minHeld.Dec())
	}

	cp := l.Begin()
	defer l.finish(cp, &err)

	bk := l.bucket(0)
	l.addPrincipal(bk, principal)
	acct := l.weight(0, from)
	acct.Add(&acct, principal)
	l.setWeight(0, from, &acct)
	bk.TotalWeight.Add(&bk.TotalWeight, principal)
	l.record(ChangeWeightGranted, bk, from, nil, nil, principal)
	return nil
}

// IncreaseLoanOnBehalfOf books an increase the position ledger has already applied to
// its principal. Earlier closes not yet reconciled are accounted first.
func (l *BucketLedger) IncreaseLoanOnBehalfOf(payer common.Address, positionID common.Hash, principalAdded, lentAmount *uint256.Int) (err error) {
	const op = "increase"

	if err := l.checkPosition(op, positionID); err != nil {
		return err
	}
	if payer != l.cfg.Self {
		return authErr(op, "payer %s is not this lender", payer.Hex())
	}

	principalAfter := l.positions.PositionPrincipal(positionID)
	if principalAfter.Lt(principalAdded) {
		return stateErr(op, "position principal %s below added %s", principalAfter.Dec(), principalAdded.Dec())
	}
	principalBefore := new(uint256.Int).Sub(principalAfter, principalAdded)
	if l.principalTotal.Lt(principalBefore) {
		return stateErr(op, "position principal %s exceeds accounted principal %s", principalBefore.Dec(), l.principalTotal.Dec())
	}

	cp := l.Begin()
	defer l.finish(cp, &err)

	if err = l.accountForClose(new(uint256.Int).Sub(&l.principalTotal, principalBefore)); err != nil {
		return err
	}
	if err = l.accountForIncrease(principalAdded, lentAmount); err != nil {
		return err
	}
	if !l.principalTotal.Eq(principalAfter) {
		return stateErr(op, "accounted principal %s does not match position principal %s", l.principalTotal.Dec(), principalAfter.Dec())
	}
	return nil
}
