package ledger_test

import (
	"BucketLender/internal/ledger"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	owedToken = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	heldToken = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_HolderPath(t *testing.T) {
	key := ledger.NewHolderAccountKey(alice, owedToken)

	path := key.AccountPath()
	expected := "holder:" + alice.Hex() + ":" + owedToken.Hex()
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(heldToken)

	path := key.AccountPath()
	if path != "external:issuance:"+heldToken.Hex() {
		t.Errorf("got %q", path)
	}
}

func TestParseAccountPath(t *testing.T) {
	for _, key := range []ledger.AccountKey{
		ledger.NewHolderAccountKey(alice, owedToken),
		ledger.NewExternalAccountKey(heldToken),
	} {
		got, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", key.AccountPath(), err)
		}
		if got != key {
			t.Errorf("got %+v, want %+v", got, key)
		}
	}

	for _, bad := range []string{"", "holder:0x1", "vault:" + alice.Hex() + ":" + owedToken.Hex(), "holder:alice:" + owedToken.Hex()} {
		if _, err := ledger.ParseAccountPath(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if !bt.BalanceOf(owedToken, alice).IsZero() {
		t.Error("initial balance should be 0")
	}
}

func TestBalanceTracker_IssueAndTransfer(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Begin("evt-1", 1, 0, ledger.JournalTypeTransfer)

	if err := bt.Issue(owedToken, alice, amt(1_000)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := bt.Transfer(owedToken, alice, bob, amt(300)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got := bt.BalanceOf(owedToken, alice).Uint64(); got != 700 {
		t.Errorf("alice: got %d, want 700", got)
	}
	if got := bt.BalanceOf(owedToken, bob).Uint64(); got != 300 {
		t.Errorf("bob: got %d, want 300", got)
	}
	if got := bt.Supply(owedToken).Uint64(); got != 1_000 {
		t.Errorf("supply: got %d, want 1000", got)
	}

	batch := bt.Drain()
	if batch == nil || len(batch.Journals) != 2 {
		t.Fatalf("expected a batch with 2 journals, got %+v", batch)
	}
	if batch.Journals[0].JournalType != ledger.JournalTypeIssue {
		t.Errorf("first journal should be an issue, got %s", batch.Journals[0].JournalType)
	}
	if batch.EventRef != "evt-1" {
		t.Errorf("event ref: got %q", batch.EventRef)
	}
	if err := batch.Validate(); err != nil {
		t.Errorf("drained batch should validate: %v", err)
	}
}

func TestBalanceTracker_TransferInsufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Begin("evt-1", 1, 0, ledger.JournalTypeTransfer)
	_ = bt.Issue(owedToken, alice, amt(10))

	err := bt.Transfer(owedToken, alice, bob, amt(11))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := bt.BalanceOf(owedToken, alice).Uint64(); got != 10 {
		t.Errorf("failed transfer must not move funds, alice has %d", got)
	}
}

func TestBalanceTracker_ZeroAndSelfTransferAreNoops(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Begin("evt-1", 1, 0, ledger.JournalTypeTransfer)

	if err := bt.Transfer(owedToken, alice, bob, amt(0)); err != nil {
		t.Errorf("zero transfer: %v", err)
	}
	if err := bt.Transfer(owedToken, alice, alice, amt(5)); err != nil {
		t.Errorf("self transfer: %v", err)
	}
	if bt.Drain() != nil {
		t.Error("no-op transfers must not produce journals")
	}
}

func TestBalanceTracker_Rollback(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Begin("seed", 1, 0, ledger.JournalTypeTransfer)
	_ = bt.Issue(owedToken, alice, amt(100))
	bt.Drain()

	bt.Begin("evt-2", 2, 0, ledger.JournalTypeTransfer)
	_ = bt.Issue(owedToken, bob, amt(50))
	_ = bt.Transfer(owedToken, alice, bob, amt(40))
	bt.Rollback()

	if got := bt.BalanceOf(owedToken, alice).Uint64(); got != 100 {
		t.Errorf("alice after rollback: got %d, want 100", got)
	}
	if got := bt.BalanceOf(owedToken, bob).Uint64(); got != 0 {
		t.Errorf("bob after rollback: got %d, want 0", got)
	}
	if got := bt.Supply(owedToken).Uint64(); got != 100 {
		t.Errorf("supply after rollback: got %d, want 100", got)
	}
	if bt.Drain() != nil {
		t.Error("rollback should clear pending journals")
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewHolderAccountKey(alice, owedToken),
				CreditAccount: ledger.NewExternalAccountKey(owedToken),
				Token:         owedToken,
				Amount:        *amt(500_000),
			},
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewHolderAccountKey(bob, owedToken),
				CreditAccount: ledger.NewHolderAccountKey(alice, owedToken),
				Token:         owedToken,
				Amount:        *amt(200_000),
			},
		},
	}

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if bt.BalanceOf(owedToken, alice).Uint64() != 300_000 {
		t.Errorf("expected 300_000 for alice after batch apply")
	}
}

func TestBalanceTracker_ApplyBatchSpendsFundsReceivedInBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if err := bt.Issue(owedToken, alice, amt(100)); err != nil {
		t.Fatal(err)
	}
	bt.Drain()

	batchID := uuid.New()
	journal := func(from, to common.Address, v uint64) ledger.Journal {
		return ledger.Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewHolderAccountKey(to, owedToken),
			CreditAccount: ledger.NewHolderAccountKey(from, owedToken),
			Token:         owedToken,
			Amount:        *amt(v),
		}
	}
	batch := &ledger.Batch{
		BatchID:  batchID,
		Journals: []ledger.Journal{journal(alice, bob, 60), journal(bob, alice, 50)},
	}

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if got := bt.BalanceOf(owedToken, alice).Uint64(); got != 90 {
		t.Errorf("alice: got %d, want 90", got)
	}
	if got := bt.BalanceOf(owedToken, bob).Uint64(); got != 10 {
		t.Errorf("bob: got %d, want 10", got)
	}

	// bob cannot spend more than the batch gives him
	overdraw := &ledger.Batch{
		BatchID:  batchID,
		Journals: []ledger.Journal{journal(alice, bob, 5), journal(bob, alice, 16)},
	}
	if err := bt.ApplyBatch(overdraw); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := bt.BalanceOf(owedToken, bob).Uint64(); got != 10 {
		t.Errorf("rejected batch changed bob's balance to %d", got)
	}
}

func TestBalanceTracker_ApplyBatchRejectsOverdraft(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewHolderAccountKey(bob, owedToken),
				CreditAccount: ledger.NewHolderAccountKey(alice, owedToken),
				Token:         owedToken,
				Amount:        *amt(1),
			},
		},
	}

	if err := bt.ApplyBatch(batch); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if !bt.BalanceOf(owedToken, bob).IsZero() {
		t.Error("rejected batch must not be applied")
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Begin("seed", 1, 0, ledger.JournalTypeTransfer)
	_ = bt.Issue(heldToken, alice, amt(999))

	snap := bt.Snapshot()
	supply := bt.SupplySnapshot()

	// Mutating the snapshot should not affect the tracker
	for k := range snap {
		snap[k] = *amt(0)
	}
	if bt.BalanceOf(heldToken, alice).Uint64() != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot(), supply)
	if restored.BalanceOf(heldToken, alice).Uint64() != 999 {
		t.Error("restored tracker lost alice's balance")
	}
	if restored.Supply(heldToken).Uint64() != 999 {
		t.Error("restored tracker lost supply")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func validJournal(batchID uuid.UUID) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  ledger.NewHolderAccountKey(alice, owedToken),
		CreditAccount: ledger.NewExternalAccountKey(owedToken),
		Token:         owedToken,
		Amount:        *amt(1_000_000),
	}
}

func TestBatchValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(b *ledger.Batch)
		wantErr bool
	}{
		{"valid", func(b *ledger.Batch) {}, false},
		{"empty", func(b *ledger.Batch) { b.Journals = nil }, true},
		{"zero amount", func(b *ledger.Batch) { b.Journals[0].Amount = *amt(0) }, true},
		{"self transfer", func(b *ledger.Batch) { b.Journals[0].CreditAccount = b.Journals[0].DebitAccount }, true},
		{"mismatched batch id", func(b *ledger.Batch) { b.Journals[0].BatchID = uuid.New() }, true},
		{"mixed tokens", func(b *ledger.Batch) { b.Journals[0].Token = heldToken }, true},
		{"debits issuance", func(b *ledger.Batch) {
			b.Journals[0].DebitAccount = ledger.NewExternalAccountKey(owedToken)
			b.Journals[0].CreditAccount = ledger.NewHolderAccountKey(alice, owedToken)
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batchID := uuid.New()
			batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{validJournal(batchID)}}
			tt.mutate(batch)
			err := batch.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_SupplyConservation(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateSupplyConservation(); err != nil {
		t.Errorf("empty ledger should conserve supply: %v", err)
	}

	bt.Begin("evt-1", 1, 0, ledger.JournalTypeTransfer)
	_ = bt.Issue(owedToken, alice, amt(1_000_000))
	_ = bt.Transfer(owedToken, alice, bob, amt(250_000))
	_ = bt.Issue(heldToken, bob, amt(7))

	if err := v.ValidateSupplyConservation(); err != nil {
		t.Errorf("transfers should conserve supply: %v", err)
	}
}

func TestInvariantValidator_DetectsUnbackedBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	// Balance without supply
	bt.Restore(map[ledger.AccountKey]uint256.Int{
		ledger.NewHolderAccountKey(alice, owedToken): *amt(5),
	}, nil)

	if err := v.ValidateSupplyConservation(); err == nil {
		t.Error("expected conservation violation")
	}
}
