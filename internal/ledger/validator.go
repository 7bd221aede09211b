package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatch verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateSupplyConservation verifies that holder balances of every token sum to its
// issued supply
func (v *InvariantValidator) ValidateSupplyConservation() error {
	totals := v.tracker.ComputeHolderTotals()

	for _, token := range v.tracker.Tokens() {
		total, ok := totals[token]
		if !ok {
			total = new(uint256.Int)
		}
		supply := v.tracker.Supply(token)
		if !total.Eq(supply) {
			return fmt.Errorf("holder balances of %s sum to %s, supply is %s", token.Hex(), total.Dec(), supply.Dec())
		}
		delete(totals, token)
	}

	for token, total := range totals {
		if !total.IsZero() {
			return fmt.Errorf("token %s has balances (%s) but no supply", token.Hex(), total.Dec())
		}
	}

	return nil
}
