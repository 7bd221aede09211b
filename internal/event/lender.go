package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LenderDeposit pulls Amount of owed token from Depositor and credits weight to
// Beneficiary in the current bucket.
type LenderDeposit struct {
	Meta
	Depositor   common.Address
	Beneficiary common.Address
	Amount      *uint256.Int
}

func (d *LenderDeposit) EventType() EventType {
	return EventTypeLenderDeposit
}

// LenderWithdraw redeems weight of OnBehalfOf in each bucket and pays Caller.
// A nil weight entry requests the whole account weight.
type LenderWithdraw struct {
	Meta
	Caller     common.Address
	OnBehalfOf common.Address
	Buckets    []uint64
	Weights    []*uint256.Int
}

func (w *LenderWithdraw) EventType() EventType {
	return EventTypeLenderWithdraw
}

// BucketsRebalance reconciles bucket principal with the position ledger.
type BucketsRebalance struct {
	Meta
}

func (r *BucketsRebalance) EventType() EventType {
	return EventTypeBucketsRebalance
}

// ExcessTokenSweep sends the lender's unaccounted balance of Token to Recipient.
type ExcessTokenSweep struct {
	Meta
	Token     common.Address
	Recipient common.Address
}

func (s *ExcessTokenSweep) EventType() EventType {
	return EventTypeExcessTokenSweep
}
