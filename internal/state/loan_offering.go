package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LoanOffering is the full term set a lender agrees to when funding an increase.
// Amount is the quantity requested for this fill and is not part of the terms.
type LoanOffering struct {
	OwedToken      common.Address
	HeldToken      common.Address
	Payer          common.Address
	Signer         common.Address
	Owner          common.Address
	Taker          common.Address
	PositionOwner  common.Address
	FeeRecipient   common.Address
	LenderFeeToken common.Address
	TakerFeeToken  common.Address

	MaxAmount    uint256.Int
	MinAmount    uint256.Int
	MinHeldToken uint256.Int
	LenderFee    uint256.Int
	TakerFee     uint256.Int

	ExpirationTimestamp uint256.Int
	Salt                uint256.Int

	CallTimeLimit  uint32
	MaxDuration    uint32
	InterestRate   uint32
	InterestPeriod uint32

	Amount uint256.Int
}

// LoanOwner is implemented by accounts that own a loan and approve actions on it.
// The PositionManager calls these hooks synchronously; any error rejects the action.
type LoanOwner interface {
	// VerifyLoanOffering approves lending offering.Amount into the position.
	VerifyLoanOffering(offering LoanOffering, positionID common.Hash) error

	// ReceiveLoanOwnership accepts the loan of a position opened by from.
	ReceiveLoanOwnership(from common.Address, positionID common.Hash) error

	// IncreaseLoanOnBehalfOf records that payer lent lentAmount for principalAdded.
	IncreaseLoanOnBehalfOf(payer common.Address, positionID common.Hash, principalAdded, lentAmount *uint256.Int) error

	MarginCallOnBehalfOf(caller common.Address, positionID common.Hash, depositAmount *uint256.Int) error
	CancelMarginCallOnBehalfOf(caller common.Address, positionID common.Hash) error
	ForceRecoverCollateralOnBehalfOf(caller common.Address, positionID common.Hash, recipient common.Address) error
}
