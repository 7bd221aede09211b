package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInsufficientBalance is returned when a transfer exceeds the sender's balance.
var ErrInsufficientBalance = errors.New("insufficient token balance")

// BalanceTracker maintains in-memory token balances and the issued supply per token.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
	supply   map[common.Address]*uint256.Int
	gen      *JournalGenerator
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
		supply:   make(map[common.Address]*uint256.Int),
		gen:      NewJournalGenerator(),
	}
}

// Begin opens the journal batch for one command. Transfers without an explicit type
// are recorded as defaultType.
func (bt *BalanceTracker) Begin(eventRef string, sequence, timestamp int64, defaultType JournalType) {
	bt.gen.Begin(eventRef, sequence, timestamp, defaultType)
}

// Drain returns the journals of the current command as a batch (nil if nothing moved).
func (bt *BalanceTracker) Drain() *Batch {
	return bt.gen.Drain()
}

// Rollback reverses every journal recorded since Begin.
func (bt *BalanceTracker) Rollback() {
	pending := bt.gen.Pending()
	for i := len(pending) - 1; i >= 0; i-- {
		j := pending[i]
		bt.sub(j.DebitAccount, &j.Amount)
		if j.CreditAccount.Scope == AccountScopeExternal {
			bt.supplyOf(j.Token).Sub(bt.supplyOf(j.Token), &j.Amount)
		} else {
			bt.add(j.CreditAccount, &j.Amount)
		}
	}
	bt.gen.Drain()
}

// BalanceOf returns a copy of holder's balance of token.
func (bt *BalanceTracker) BalanceOf(token, holder common.Address) *uint256.Int {
	return bt.GetBalance(NewHolderAccountKey(holder, token))
}

// GetBalance returns a copy of the balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if b, ok := bt.balances[key]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Supply returns the issued supply of token.
func (bt *BalanceTracker) Supply(token common.Address) *uint256.Int {
	return bt.supplyOf(token).Clone()
}

// Issue mints amount of token to holder.
func (bt *BalanceTracker) Issue(token, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	supply := bt.supplyOf(token)
	if _, overflow := new(uint256.Int).AddOverflow(supply, amount); overflow {
		return fmt.Errorf("issue %s of %s: supply overflow", amount.Dec(), token.Hex())
	}
	bt.ApplyJournal(bt.gen.record(JournalTypeIssue, token, NewHolderAccountKey(to, token), NewExternalAccountKey(token), amount))
	return nil
}

// Transfer moves amount of token using the batch's default journal type.
func (bt *BalanceTracker) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	return bt.TransferTyped(bt.gen.journalType, token, from, to, amount)
}

// TransferTyped moves amount of token from one holder to another. Zero amounts and
// self-transfers are no-ops.
func (bt *BalanceTracker) TransferTyped(jt JournalType, token, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() || from == to {
		return nil
	}
	credit := NewHolderAccountKey(from, token)
	if err := bt.ValidateSufficient(credit, amount); err != nil {
		return err
	}
	bt.ApplyJournal(bt.gen.record(jt, token, NewHolderAccountKey(to, token), credit, amount))
	return nil
}

// ApplyJournal applies a single journal entry to balances. Callers check sufficiency.
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.add(j.DebitAccount, &j.Amount)
	if j.CreditAccount.Scope == AccountScopeExternal {
		bt.supplyOf(j.Token).Add(bt.supplyOf(j.Token), &j.Amount)
		return
	}
	bt.sub(j.CreditAccount, &j.Amount)
}

// ApplyBatch applies all journals in a batch, rejecting it up front if any holder
// would go negative.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	projected := make(map[AccountKey]*uint256.Int)
	project := func(key AccountKey) *uint256.Int {
		bal, ok := projected[key]
		if !ok {
			bal = bt.GetBalance(key)
			projected[key] = bal
		}
		return bal
	}
	for _, j := range batch.Journals {
		if j.CreditAccount.Scope != AccountScopeExternal {
			bal := project(j.CreditAccount)
			if bal.Lt(&j.Amount) {
				return fmt.Errorf("invalid batch: journal %s: %w", j.JournalID, ErrInsufficientBalance)
			}
			bal.Sub(bal, &j.Amount)
		}
		d := project(j.DebitAccount)
		d.Add(d, &j.Amount)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// ValidateSufficient checks the account holds at least required
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required *uint256.Int) error {
	balance := bt.GetBalance(key)
	if balance.Lt(required) {
		return fmt.Errorf("%s: have=%s, need=%s: %w", key.AccountPath(), balance.Dec(), required.Dec(), ErrInsufficientBalance)
	}
	return nil
}

// ComputeHolderTotals sums all holder balances per token
func (bt *BalanceTracker) ComputeHolderTotals() map[common.Address]*uint256.Int {
	totals := make(map[common.Address]*uint256.Int)
	for key, balance := range bt.balances {
		t, ok := totals[key.Token]
		if !ok {
			t = new(uint256.Int)
			totals[key.Token] = t
		}
		t.Add(t, balance)
	}
	return totals
}

// Tokens returns every token with issued supply
func (bt *BalanceTracker) Tokens() []common.Address {
	tokens := make([]common.Address, 0, len(bt.supply))
	for token := range bt.supply {
		tokens = append(tokens, token)
	}
	return tokens
}

// Snapshot returns a copy of all non-zero balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]uint256.Int {
	snapshot := make(map[AccountKey]uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		if !v.IsZero() {
			snapshot[k] = *v
		}
	}
	return snapshot
}

// SupplySnapshot returns a copy of the issued supply per token
func (bt *BalanceTracker) SupplySnapshot() map[common.Address]uint256.Int {
	snapshot := make(map[common.Address]uint256.Int, len(bt.supply))
	for k, v := range bt.supply {
		snapshot[k] = *v
	}
	return snapshot
}

// Restore replaces all state with the given balances and supply
func (bt *BalanceTracker) Restore(balances map[AccountKey]uint256.Int, supply map[common.Address]uint256.Int) {
	bt.balances = make(map[AccountKey]*uint256.Int, len(balances))
	for k, v := range balances {
		v := v
		bt.balances[k] = &v
	}
	bt.supply = make(map[common.Address]*uint256.Int, len(supply))
	for k, v := range supply {
		v := v
		bt.supply[k] = &v
	}
}

func (bt *BalanceTracker) add(key AccountKey, amount *uint256.Int) {
	b, ok := bt.balances[key]
	if !ok {
		b = new(uint256.Int)
		bt.balances[key] = b
	}
	b.Add(b, amount)
}

func (bt *BalanceTracker) sub(key AccountKey, amount *uint256.Int) {
	b, ok := bt.balances[key]
	if !ok {
		b = new(uint256.Int)
		bt.balances[key] = b
	}
	b.Sub(b, amount)
}

func (bt *BalanceTracker) supplyOf(token common.Address) *uint256.Int {
	s, ok := bt.supply[token]
	if !ok {
		s = new(uint256.Int)
		bt.supply[token] = s
	}
	return s
}
