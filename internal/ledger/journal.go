package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeIssue JournalType = iota
	JournalTypeTransfer
	JournalTypeLenderDeposit
	JournalTypeLenderWithdrawal
	JournalTypeExcessSweep
	JournalTypeCollateralDeposit
	JournalTypeLoanDisbursement
	JournalTypeRepayment
	JournalTypeCollateralRelease
	JournalTypeForceRecovery
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeIssue:
		return "issue"
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeLenderDeposit:
		return "lender_deposit"
	case JournalTypeLenderWithdrawal:
		return "lender_withdrawal"
	case JournalTypeExcessSweep:
		return "excess_sweep"
	case JournalTypeCollateralDeposit:
		return "collateral_deposit"
	case JournalTypeLoanDisbursement:
		return "loan_disbursement"
	case JournalTypeRepayment:
		return "repayment"
	case JournalTypeCollateralRelease:
		return "collateral_release"
	case JournalTypeForceRecovery:
		return "force_recovery"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups entries of one command
	EventRef      string         // Idempotency key of source event
	Sequence      int64          // Global event sequence
	DebitAccount  AccountKey     // Account receiving the tokens
	CreditAccount AccountKey     // Account giving the tokens
	Token         common.Address // Token being transferred
	Amount        uint256.Int    // Always non-zero
	JournalType   JournalType    // Entry type
	Timestamp     int64          // Command timestamp (epoch microseconds)
}

// Batch represents the set of journal entries produced by one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Every entry moves one amount between two
// accounts of the same token, so each is balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Token != j.Token || j.CreditAccount.Token != j.Token {
			return fmt.Errorf("journal %s mixes tokens", j.JournalID)
		}

		if j.DebitAccount.Scope == AccountScopeExternal {
			return fmt.Errorf("journal %s debits the issuance account", j.JournalID)
		}
	}

	return nil
}
