package lender

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// WithdrawExcessToken sends the unaccounted balance of token to recipient. For the
// owed token that is everything above the accounted available; held token may not be
// swept after force-close; any other token is swept in full.
func (l *BucketLedger) WithdrawExcessToken(token, recipient common.Address) (amount *uint256.Int, err error) {
	const op = "withdraw excess"

	if recipient == (common.Address{}) {
		return nil, stateErr(op, "recipient is the zero address")
	}
	if token == l.cfg.HeldToken && l.wasForceClosed {
		return nil, stateErr(op, "held token is committed to depositors after force-close")
	}

	cp := l.Begin()
	defer l.finish(cp, &err)

	if err = l.rebalance(); err != nil {
		return nil, err
	}

	amount = l.tokens.BalanceOf(token, l.cfg.Self)
	if token == l.cfg.OwedToken {
		if amount.Lt(&l.availableTotal) {
			return nil, stateErr(op, "owed balance %s below accounted %s", amount.Dec(), l.availableTotal.Dec())
		}
		amount.Sub(amount, &l.availableTotal)
	}

	if err = l.tokens.Transfer(token, l.cfg.Self, recipient, amount); err != nil {
		return nil, stateErr(op, "transfer: %v", err)
	}
	return amount, nil
}
