package core

import (
	"fmt"

	"BucketLender/internal/event"
	"BucketLender/internal/lender"
	"BucketLender/internal/state"

	"github.com/holiman/uint256"
)

func (c *DeterministicCore) dispatchEvent(evt event.Event) error {
	switch e := evt.(type) {
	case *event.TokenIssued:
		return c.balanceTracker.Issue(e.Token, e.To, e.Amount)
	case *event.TokenTransferred:
		return c.balanceTracker.Transfer(e.Token, e.From, e.To, e.Amount)
	case *event.LenderDeposit:
		return c.handleLenderDeposit(e)
	case *event.LenderWithdraw:
		return c.handleLenderWithdraw(e)
	case *event.BucketsRebalance:
		return c.lender.RebalanceBuckets()
	case *event.ExcessTokenSweep:
		_, err := c.lender.WithdrawExcessToken(e.Token, e.Recipient)
		return err
	case *event.PositionOpened:
		return c.handlePositionOpened(e)
	case *event.PositionIncreased:
		return c.handlePositionIncreased(e)
	case *event.PositionClosed:
		return c.handlePositionClosed(e)
	case *event.CollateralDeposited:
		return c.positionManager.DepositCollateral(e.Depositor, e.PositionID, e.Amount)
	case *event.MarginCallRequested:
		return c.positionManager.MarginCall(e.Caller, e.PositionID, orZero(e.RequiredDeposit), c.unix())
	case *event.MarginCallCanceled:
		return c.positionManager.CancelMarginCall(e.Caller, e.PositionID)
	case *event.CollateralForceRecovered:
		return c.handleForceRecover(e)
	default:
		return fmt.Errorf("unknown event type: %T", evt)
	}
}

func (c *DeterministicCore) unix() uint64 {
	t := c.now.Unix()
	if t < 0 {
		return 0
	}
	return uint64(t)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func (c *DeterministicCore) handleLenderDeposit(evt *event.LenderDeposit) error {
	if evt.Amount == nil {
		return fmt.Errorf("deposit amount missing")
	}
	bucket, weight, err := c.lender.Deposit(evt.Depositor, evt.Beneficiary, evt.Amount)
	if err != nil {
		return err
	}
	c.logger.Debug().
		Str("beneficiary", evt.Beneficiary.Hex()).
		Uint64("bucket", bucket).
		Str("weight", weight.Dec()).
		Msg("deposit credited")
	return nil
}

func (c *DeterministicCore) handleLenderWithdraw(evt *event.LenderWithdraw) error {
	weights := make([]*uint256.Int, len(evt.Weights))
	for i, w := range evt.Weights {
		if w == nil {
			weights[i] = lender.MaxWeight
			continue
		}
		weights[i] = w
	}
	owed, held, err := c.lender.Withdraw(evt.Caller, evt.Buckets, weights, evt.OnBehalfOf)
	if err != nil {
		return err
	}
	c.logger.Debug().
		Str("on_behalf_of", evt.OnBehalfOf.Hex()).
		Str("owed_paid", owed.Dec()).
		Str("held_paid", held.Dec()).
		Msg("withdrawal paid")
	return nil
}

func (c *DeterministicCore) handlePositionOpened(evt *event.PositionOpened) error {
	_, err := c.positionManager.OpenWithoutCounterparty(state.OpenRequest{
		Opener:    evt.Opener,
		Lender:    evt.Lender,
		Nonce:     evt.Nonce,
		Principal: evt.Principal,
		Deposit:   evt.Deposit,
		Terms: state.LoanTerms{
			OwedToken:      evt.OwedToken,
			HeldToken:      evt.HeldToken,
			MaxDuration:    evt.MaxDuration,
			CallTimeLimit:  evt.CallTimeLimit,
			InterestRate:   evt.InterestRate,
			InterestPeriod: evt.InterestPeriod,
		},
	}, c.unix())
	return err
}

// handlePositionIncreased funds the increase from the payer's standing offering.
// Only registered loan owners publish offerings, so any other payer is refused by
// the position manager.
func (c *DeterministicCore) handlePositionIncreased(evt *event.PositionIncreased) error {
	if evt.Principal == nil {
		return fmt.Errorf("increase principal missing: %w", state.ErrInvalidAmount)
	}
	offering := c.lender.CanonicalOffering(nil)
	offering.Payer = evt.Payer
	_, err := c.positionManager.IncreasePosition(evt.Trader, evt.PositionID, evt.Principal, offering, c.unix())
	return err
}

func (c *DeterministicCore) handlePositionClosed(evt *event.PositionClosed) error {
	if evt.Principal == nil {
		return fmt.Errorf("close principal missing: %w", state.ErrInvalidAmount)
	}
	if _, err := c.positionManager.ClosePosition(evt.Closer, evt.PositionID, evt.Principal, c.unix()); err != nil {
		return err
	}
	if evt.PositionID == c.lender.PositionID() {
		return c.lender.RebalanceBuckets()
	}
	return nil
}

func (c *DeterministicCore) handleForceRecover(evt *event.CollateralForceRecovered) error {
	if _, err := c.positionManager.ForceRecoverCollateral(evt.Caller, evt.PositionID, evt.Recipient, c.unix()); err != nil {
		return err
	}
	if evt.PositionID == c.lender.PositionID() {
		c.lender.FreezeForceCloseRatio()
	}
	return nil
}
