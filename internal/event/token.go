package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TokenIssued mints Amount of Token to To. Used to bridge balances from the
// token contracts the ledger mirrors.
type TokenIssued struct {
	Meta
	Token  common.Address
	To     common.Address
	Amount *uint256.Int
}

func (t *TokenIssued) EventType() EventType {
	return EventTypeTokenIssued
}

// TokenTransferred moves tokens between holders, including plain donations to
// the lender address.
type TokenTransferred struct {
	Meta
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

func (t *TokenTransferred) EventType() EventType {
	return EventTypeTokenTransferred
}
