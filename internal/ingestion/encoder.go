package ingestion

import (
	"encoding/json"
	"fmt"

	"BucketLender/internal/event"

	"github.com/holiman/uint256"
)

// Encode renders a command in the wire format ParseRawEvent accepts and returns
// the subject it belongs on. The event log stores this encoding so replay goes
// through the same parser as live ingestion.
func Encode(evt event.Event) (string, []byte, error) {
	var v interface{}
	switch e := evt.(type) {
	case *event.TokenIssued:
		v = tokenIssuedJSON{metaToJSON(e.Meta), e.Token.Hex(), e.To.Hex(), dec(e.Amount)}
	case *event.TokenTransferred:
		v = tokenTransferredJSON{metaToJSON(e.Meta), e.Token.Hex(), e.From.Hex(), e.To.Hex(), dec(e.Amount)}
	case *event.LenderDeposit:
		v = lenderDepositJSON{metaToJSON(e.Meta), e.Depositor.Hex(), e.Beneficiary.Hex(), dec(e.Amount)}
	case *event.LenderWithdraw:
		weights := make([]string, len(e.Weights))
		for i, w := range e.Weights {
			if w == nil {
				weights[i] = "max"
				continue
			}
			weights[i] = w.Dec()
		}
		v = lenderWithdrawJSON{metaToJSON(e.Meta), e.Caller.Hex(), e.OnBehalfOf.Hex(), e.Buckets, weights}
	case *event.BucketsRebalance:
		v = metaToJSON(e.Meta)
	case *event.ExcessTokenSweep:
		v = excessTokenSweepJSON{metaToJSON(e.Meta), e.Token.Hex(), e.Recipient.Hex()}
	case *event.PositionOpened:
		v = positionOpenedJSON{
			metaJSON:       metaToJSON(e.Meta),
			Opener:         e.Opener.Hex(),
			Lender:         e.Lender.Hex(),
			Nonce:          e.Nonce,
			Principal:      dec(e.Principal),
			Deposit:        dec(e.Deposit),
			OwedToken:      e.OwedToken.Hex(),
			HeldToken:      e.HeldToken.Hex(),
			InterestRate:   e.InterestRate,
			InterestPeriod: e.InterestPeriod,
			MaxDuration:    e.MaxDuration,
			CallTimeLimit:  e.CallTimeLimit,
		}
	case *event.PositionIncreased:
		v = positionIncreasedJSON{metaToJSON(e.Meta), e.Trader.Hex(), e.PositionID.Hex(), dec(e.Principal), e.Payer.Hex()}
	case *event.PositionClosed:
		v = positionClosedJSON{metaToJSON(e.Meta), e.Closer.Hex(), e.PositionID.Hex(), dec(e.Principal)}
	case *event.CollateralDeposited:
		v = collateralDepositedJSON{metaToJSON(e.Meta), e.Depositor.Hex(), e.PositionID.Hex(), dec(e.Amount)}
	case *event.MarginCallRequested:
		v = marginCallJSON{metaToJSON(e.Meta), e.Caller.Hex(), e.PositionID.Hex(), dec(e.RequiredDeposit)}
	case *event.MarginCallCanceled:
		v = marginCallJSON{metaJSON: metaToJSON(e.Meta), Caller: e.Caller.Hex(), PositionID: e.PositionID.Hex()}
	case *event.CollateralForceRecovered:
		v = forceRecoverJSON{metaToJSON(e.Meta), e.Caller.Hex(), e.PositionID.Hex(), e.Recipient.Hex()}
	default:
		return "", nil, fmt.Errorf("cannot encode %T", evt)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	return SubjectFor(evt.Partition(), evt.EventType()), data, nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
