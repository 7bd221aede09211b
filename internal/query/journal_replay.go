package query

import (
	"context"
	"fmt"

	"BucketLender/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// journalEntry is one event_log.journal row.
type journalEntry struct {
	Sequence      int64
	BatchID       string
	DebitAccount  string
	CreditAccount string
	Token         string
	Amount        string
}

// journalReplayer re-applies stored journals batch by batch on an empty ledger.
// Entries must arrive ordered by (sequence, ordinal).
type journalReplayer struct {
	tokens  *ledger.BalanceTracker
	pending *ledger.Batch

	// BreakAt is the sequence of the first batch that does not apply, or -1.
	BreakAt int64
}

func newJournalReplayer() *journalReplayer {
	return &journalReplayer{tokens: ledger.NewBalanceTracker(), BreakAt: -1}
}

// Add queues e, applying the previous batch once e starts a new one.
func (r *journalReplayer) Add(e journalEntry) error {
	if r.BreakAt >= 0 {
		return nil
	}
	j, err := e.journal()
	if err != nil {
		return err
	}
	if r.pending != nil && r.pending.BatchID != j.BatchID {
		r.apply()
		if r.BreakAt >= 0 {
			return nil
		}
	}
	if r.pending == nil {
		r.pending = &ledger.Batch{BatchID: j.BatchID, Sequence: j.Sequence}
	}
	r.pending.Journals = append(r.pending.Journals, j)
	return nil
}

// Finish applies the last batch.
func (r *journalReplayer) Finish() {
	if r.BreakAt < 0 && r.pending != nil {
		r.apply()
	}
}

func (r *journalReplayer) apply() {
	if err := r.tokens.ApplyBatch(r.pending); err != nil {
		r.BreakAt = r.pending.Sequence
	}
	r.pending = nil
}

func (e journalEntry) journal() (ledger.Journal, error) {
	batchID, err := uuid.Parse(e.BatchID)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal at %d: batch id: %w", e.Sequence, err)
	}
	debit, err := ledger.ParseAccountPath(e.DebitAccount)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal at %d: %w", e.Sequence, err)
	}
	credit, err := ledger.ParseAccountPath(e.CreditAccount)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal at %d: %w", e.Sequence, err)
	}
	if !common.IsHexAddress(e.Token) {
		return ledger.Journal{}, fmt.Errorf("journal at %d: bad token %q", e.Sequence, e.Token)
	}
	amount, err := uint256.FromDecimal(e.Amount)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal at %d: amount %q: %w", e.Sequence, e.Amount, err)
	}
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		Sequence:      e.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Token:         common.HexToAddress(e.Token),
		Amount:        *amount,
	}, nil
}

// replayJournals streams the journal table through a journalReplayer and returns
// the sequence of the first batch that overdraws a holder, or -1.
func (qs *QueryService) replayJournals(ctx context.Context) (int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, batch_id::text, debit_account, credit_account, token, amount::text
		FROM event_log.journal
		ORDER BY sequence, ordinal
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	r := newJournalReplayer()
	for rows.Next() {
		var e journalEntry
		if err := rows.Scan(&e.Sequence, &e.BatchID, &e.DebitAccount, &e.CreditAccount, &e.Token, &e.Amount); err != nil {
			return 0, err
		}
		if err := r.Add(e); err != nil {
			return 0, err
		}
		if r.BreakAt >= 0 {
			return r.BreakAt, nil
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("read journal: %w", err)
	}
	r.Finish()
	return r.BreakAt, nil
}
