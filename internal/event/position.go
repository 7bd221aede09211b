package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionOpened opens a position without a counterparty; the loan is owned by
// Lender from the start.
type PositionOpened struct {
	Meta
	Opener    common.Address
	Lender    common.Address
	Nonce     uint64
	Principal *uint256.Int
	Deposit   *uint256.Int // held token

	OwedToken      common.Address
	HeldToken      common.Address
	InterestRate   uint32
	InterestPeriod uint32
	MaxDuration    uint32
	CallTimeLimit  uint32
}

func (p *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

// PositionIncreased adds Principal to the position, funded by Payer.
type PositionIncreased struct {
	Meta
	Trader     common.Address
	PositionID common.Hash
	Principal  *uint256.Int
	Payer      common.Address
}

func (p *PositionIncreased) EventType() EventType {
	return EventTypePositionIncreased
}

// PositionClosed repays up to Principal of the position.
type PositionClosed struct {
	Meta
	Closer     common.Address
	PositionID common.Hash
	Principal  *uint256.Int
}

func (p *PositionClosed) EventType() EventType {
	return EventTypePositionClosed
}

// CollateralDeposited adds held token to the position.
type CollateralDeposited struct {
	Meta
	Depositor  common.Address
	PositionID common.Hash
	Amount     *uint256.Int
}

func (c *CollateralDeposited) EventType() EventType {
	return EventTypeCollateralDeposited
}

type MarginCallRequested struct {
	Meta
	Caller          common.Address
	PositionID      common.Hash
	RequiredDeposit *uint256.Int
}

func (m *MarginCallRequested) EventType() EventType {
	return EventTypeMarginCallRequested
}

type MarginCallCanceled struct {
	Meta
	Caller     common.Address
	PositionID common.Hash
}

func (m *MarginCallCanceled) EventType() EventType {
	return EventTypeMarginCallCanceled
}

// CollateralForceRecovered seizes the collateral of a position past its call time
// limit or max duration to Recipient.
type CollateralForceRecovered struct {
	Meta
	Caller     common.Address
	PositionID common.Hash
	Recipient  common.Address
}

func (c *CollateralForceRecovered) EventType() EventType {
	return EventTypeCollateralForceRecovered
}
