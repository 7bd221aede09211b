package state_test

import (
	"errors"
	"testing"

	"BucketLender/internal/ledger"
	lmath "BucketLender/internal/math"
	"BucketLender/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owed    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	held    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	vault   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	trader  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	lendr   = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	keeper  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	nobody  = common.HexToAddress("0x00000000000000000000000000000000000000c4")
	start   = uint64(1_700_000_000)
	oneYear = uint64(lmath.SecondsPerYear)
)

func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

func terms() state.LoanTerms {
	return state.LoanTerms{
		OwedToken:      owed,
		HeldToken:      held,
		MaxDuration:    uint32(oneYear),
		CallTimeLimit:  3600,
		InterestRate:   10_000_000,
		InterestPeriod: 1,
	}
}

// stubOwner approves or rejects hooks and records what it saw
type stubOwner struct {
	reject    error
	increases []*uint256.Int
	calls     int
}

func (s *stubOwner) VerifyLoanOffering(state.LoanOffering, common.Hash) error { return s.reject }
func (s *stubOwner) ReceiveLoanOwnership(common.Address, common.Hash) error   { return s.reject }
func (s *stubOwner) IncreaseLoanOnBehalfOf(_ common.Address, _ common.Hash, principal, _ *uint256.Int) error {
	if s.reject != nil {
		return s.reject
	}
	s.increases = append(s.increases, principal.Clone())
	return nil
}
func (s *stubOwner) MarginCallOnBehalfOf(common.Address, common.Hash, *uint256.Int) error {
	s.calls++
	return s.reject
}
func (s *stubOwner) CancelMarginCallOnBehalfOf(common.Address, common.Hash) error { return s.reject }
func (s *stubOwner) ForceRecoverCollateralOnBehalfOf(common.Address, common.Hash, common.Address) error {
	return s.reject
}

func setup(t *testing.T) (*state.PositionManager, *ledger.BalanceTracker) {
	t.Helper()
	tokens := ledger.NewBalanceTracker()
	require.NoError(t, tokens.Issue(held, trader, units(1000)))
	require.NoError(t, tokens.Issue(owed, trader, units(1000)))
	require.NoError(t, tokens.Issue(owed, lendr, units(1000)))
	return state.NewPositionManager(vault, tokens, lmath.CompoundOracle{}), tokens
}

func open(t *testing.T, pm *state.PositionManager) common.Hash {
	t.Helper()
	id, err := pm.OpenWithoutCounterparty(state.OpenRequest{
		Opener:    trader,
		Lender:    lendr,
		Nonce:     7,
		Principal: units(10),
		Deposit:   units(30),
		Terms:     terms(),
	}, start)
	require.NoError(t, err)
	return id
}

func offering() state.LoanOffering {
	return state.LoanOffering{
		OwedToken:           owed,
		HeldToken:           held,
		Payer:               lendr,
		MaxAmount:           *lmath.Max,
		ExpirationTimestamp: *lmath.Max,
		CallTimeLimit:       3600,
		MaxDuration:         uint32(oneYear),
		InterestRate:        10_000_000,
		InterestPeriod:      1,
	}
}

// ============================================================================
// Test: Status transitions
// ============================================================================

func TestPositionStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to state.PositionStatus
		ok       bool
	}{
		{state.PositionStatusOpen, state.PositionStatusMarginCalled, true},
		{state.PositionStatusOpen, state.PositionStatusClosed, true},
		{state.PositionStatusOpen, state.PositionStatusForceClosed, true},
		{state.PositionStatusMarginCalled, state.PositionStatusOpen, true},
		{state.PositionStatusMarginCalled, state.PositionStatusForceClosed, true},
		{state.PositionStatusClosed, state.PositionStatusOpen, false},
		{state.PositionStatusForceClosed, state.PositionStatusOpen, false},
		{state.PositionStatusClosed, state.PositionStatusForceClosed, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

// ============================================================================
// Test: Open
// ============================================================================

func TestOpen_MovesCollateralToVault(t *testing.T) {
	pm, tokens := setup(t)
	id := open(t, pm)

	assert.Equal(t, state.PositionIDFor(trader, 7), id)
	assert.NotEqual(t, state.PositionIDFor(trader, 8), id)
	assert.True(t, pm.ContainsPosition(id))
	assert.Equal(t, start, pm.PositionStartTimestamp(id))
	assert.Equal(t, units(10).Dec(), pm.PositionPrincipal(id).Dec())
	assert.Equal(t, units(30).Dec(), tokens.BalanceOf(held, vault).Dec())
	assert.Equal(t, units(970).Dec(), tokens.BalanceOf(held, trader).Dec())
}

func TestOpen_Rejections(t *testing.T) {
	pm, _ := setup(t)
	open(t, pm)

	_, err := pm.OpenWithoutCounterparty(state.OpenRequest{
		Opener: trader, Lender: lendr, Nonce: 7, Principal: units(1), Deposit: units(1), Terms: terms(),
	}, start)
	require.ErrorIs(t, err, state.ErrPositionExists)

	_, err = pm.OpenWithoutCounterparty(state.OpenRequest{
		Opener: trader, Lender: lendr, Nonce: 8, Principal: new(uint256.Int), Deposit: units(1), Terms: terms(),
	}, start)
	require.ErrorIs(t, err, state.ErrInvalidAmount)

	_, err = pm.OpenWithoutCounterparty(state.OpenRequest{
		Opener: trader, Lender: lendr, Nonce: 9, Principal: units(1), Deposit: units(5000), Terms: terms(),
	}, start)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestOpen_LoanOwnerRejectionLeavesNoPosition(t *testing.T) {
	pm, tokens := setup(t)
	pm.RegisterLoanOwner(lendr, &stubOwner{reject: errors.New("no")})

	_, err := pm.OpenWithoutCounterparty(state.OpenRequest{
		Opener: trader, Lender: lendr, Nonce: 7, Principal: units(10), Deposit: units(30), Terms: terms(),
	}, start)
	require.Error(t, err)
	assert.False(t, pm.ContainsPosition(state.PositionIDFor(trader, 7)))
	assert.True(t, tokens.BalanceOf(held, vault).IsZero())
}

// ============================================================================
// Test: Increase
// ============================================================================

func TestIncrease_RequiresApprovingPayer(t *testing.T) {
	pm, _ := setup(t)
	id := open(t, pm)

	_, err := pm.IncreasePosition(trader, id, units(1), offering(), start)
	require.ErrorIs(t, err, state.ErrInvalidOffering)
}

func TestIncrease_ChargesInterestAndKeepsRatio(t *testing.T) {
	pm, tokens := setup(t)
	owner := &stubOwner{}
	pm.RegisterLoanOwner(lendr, owner)
	id := open(t, pm)

	res, err := pm.IncreasePosition(trader, id, units(5), offering(), start+oneYear/2)
	require.NoError(t, err)

	assert.True(t, res.LentAmount.Gt(units(5)), "increase must cover accrued interest")
	assert.Equal(t, units(15).Dec(), res.HeldAdded.Dec())
	assert.Equal(t, units(15).Dec(), pm.PositionPrincipal(id).Dec())
	assert.Equal(t, units(45).Dec(), pm.PositionBalance(id).Dec())
	require.Len(t, owner.increases, 1)
	assert.Equal(t, units(5).Dec(), owner.increases[0].Dec())

	lenderLeft := new(uint256.Int).Sub(units(1000), res.LentAmount)
	assert.Equal(t, lenderLeft.Dec(), tokens.BalanceOf(owed, lendr).Dec())
}

func TestIncrease_RejectedByOwnerReverts(t *testing.T) {
	pm, tokens := setup(t)
	owner := &stubOwner{}
	pm.RegisterLoanOwner(lendr, owner)
	id := open(t, pm)

	owner.reject = errors.New("no")
	_, err := pm.IncreasePosition(trader, id, units(5), offering(), start)
	require.Error(t, err)
	assert.Equal(t, units(10).Dec(), pm.PositionPrincipal(id).Dec())
	assert.Equal(t, units(30).Dec(), pm.PositionBalance(id).Dec())
	assert.Equal(t, units(1000).Dec(), tokens.BalanceOf(owed, lendr).Dec())
}

func TestIncrease_OfferingBounds(t *testing.T) {
	pm, _ := setup(t)
	pm.RegisterLoanOwner(lendr, &stubOwner{})
	id := open(t, pm)

	o := offering()
	o.MaxAmount = *units(1)
	_, err := pm.IncreasePosition(trader, id, units(5), o, start)
	require.ErrorIs(t, err, state.ErrInvalidOffering)

	o = offering()
	o.ExpirationTimestamp = *uint256.NewInt(start - 1)
	_, err = pm.IncreasePosition(trader, id, units(5), o, start)
	require.ErrorIs(t, err, state.ErrInvalidOffering)

	_, err = pm.IncreasePosition(nobody, id, units(5), offering(), start)
	require.ErrorIs(t, err, state.ErrUnauthorized)
}

// ============================================================================
// Test: Close
// ============================================================================

func TestClose_PartialThenFull(t *testing.T) {
	pm, tokens := setup(t)
	id := open(t, pm)

	res, err := pm.ClosePosition(trader, id, units(4), start)
	require.NoError(t, err)
	assert.False(t, res.FullyClosed)
	assert.Equal(t, units(4).Dec(), res.OwedPaid.Dec())
	assert.Equal(t, units(12).Dec(), res.HeldReleased.Dec())
	assert.Equal(t, units(6).Dec(), pm.PositionPrincipal(id).Dec())
	assert.Equal(t, units(4).Dec(), pm.TotalOwedTokenRepaidToLender(id).Dec())

	res, err = pm.ClosePosition(trader, id, units(100), start+3600)
	require.NoError(t, err)
	assert.True(t, res.FullyClosed)
	assert.Equal(t, units(6).Dec(), res.PrincipalClosed.Dec())
	assert.True(t, res.OwedPaid.Gt(units(6)))
	assert.Equal(t, units(18).Dec(), res.HeldReleased.Dec())

	assert.True(t, pm.IsPositionClosed(id))
	assert.False(t, pm.ContainsPosition(id))
	assert.True(t, pm.PositionPrincipal(id).IsZero())
	assert.True(t, tokens.BalanceOf(held, vault).IsZero())

	repaid := new(uint256.Int).Add(units(4), res.OwedPaid)
	assert.Equal(t, repaid.Dec(), pm.TotalOwedTokenRepaidToLender(id).Dec())
	assert.Equal(t, new(uint256.Int).Add(units(1000), repaid).Dec(), tokens.BalanceOf(owed, lendr).Dec())

	_, err = pm.ClosePosition(trader, id, units(1), start+3600)
	require.ErrorIs(t, err, state.ErrPositionClosed)
}

func TestOwedAmount_CappedAtMaxDuration(t *testing.T) {
	pm, _ := setup(t)
	id := open(t, pm)

	atMax, err := pm.PositionOwedAmount(id, start+oneYear)
	require.NoError(t, err)
	later, err := pm.PositionOwedAmount(id, start+2*oneYear)
	require.NoError(t, err)
	assert.Equal(t, atMax.Dec(), later.Dec())
}

// ============================================================================
// Test: Margin calls and force recovery
// ============================================================================

func TestMarginCall_WithoutLoanOwner(t *testing.T) {
	pm, _ := setup(t)
	id := open(t, pm)

	require.ErrorIs(t, pm.MarginCall(nobody, id, new(uint256.Int), start), state.ErrUnauthorized)
	require.NoError(t, pm.MarginCall(lendr, id, units(5), start))
	assert.True(t, pm.IsPositionCalled(id))
	require.ErrorIs(t, pm.MarginCall(lendr, id, units(5), start), state.ErrInvalidTransition)

	// a covering deposit cancels the call
	require.NoError(t, pm.DepositCollateral(trader, id, units(5)))
	assert.False(t, pm.IsPositionCalled(id))
	assert.Equal(t, units(35).Dec(), pm.PositionBalance(id).Dec())

	require.NoError(t, pm.MarginCall(lendr, id, units(5), start))
	require.ErrorIs(t, pm.CancelMarginCall(nobody, id), state.ErrUnauthorized)
	require.NoError(t, pm.CancelMarginCall(lendr, id))
	pos, ok := pm.GetPosition(id)
	require.True(t, ok)
	assert.Zero(t, pos.CallTimestamp)
	assert.True(t, pos.RequiredDeposit.IsZero())
}

func TestMarginCall_DelegatesToLoanOwner(t *testing.T) {
	pm, _ := setup(t)
	owner := &stubOwner{}
	pm.RegisterLoanOwner(lendr, owner)
	id := open(t, pm)

	require.NoError(t, pm.MarginCall(keeper, id, new(uint256.Int), start))
	assert.Equal(t, 1, owner.calls)
}

func TestForceRecover_AfterCallTimeLimit(t *testing.T) {
	pm, tokens := setup(t)
	id := open(t, pm)
	require.NoError(t, pm.MarginCall(lendr, id, new(uint256.Int), start))

	_, err := pm.ForceRecoverCollateral(lendr, id, lendr, start+3599)
	require.ErrorIs(t, err, state.ErrInvalidTransition)
	_, err = pm.ForceRecoverCollateral(nobody, id, nobody, start+3600)
	require.ErrorIs(t, err, state.ErrUnauthorized)

	got, err := pm.ForceRecoverCollateral(lendr, id, lendr, start+3600)
	require.NoError(t, err)
	assert.Equal(t, units(30).Dec(), got.Dec())
	assert.Equal(t, units(30).Dec(), tokens.BalanceOf(held, lendr).Dec())
	assert.True(t, pm.IsPositionClosed(id))
	assert.True(t, pm.PositionBalance(id).IsZero())

	pos, _ := pm.GetPosition(id)
	assert.Equal(t, state.PositionStatusForceClosed, pos.Status)
}

func TestForceRecover_AfterMaxDuration(t *testing.T) {
	pm, _ := setup(t)
	id := open(t, pm)

	_, err := pm.ForceRecoverCollateral(lendr, id, lendr, start+oneYear-1)
	require.ErrorIs(t, err, state.ErrInvalidTransition)
	_, err = pm.ForceRecoverCollateral(lendr, id, lendr, start+oneYear)
	require.NoError(t, err)
}

// ============================================================================
// Test: Checkpoint
// ============================================================================

func TestCheckpointRestore(t *testing.T) {
	pm, _ := setup(t)
	id := open(t, pm)
	cp := pm.Checkpoint()
	before, _ := pm.GetPosition(id)

	_, err := pm.ClosePosition(trader, id, units(10), start)
	require.NoError(t, err)
	after, _ := pm.GetPosition(id)
	assert.NotEqual(t, before.CanonicalBytes(), after.CanonicalBytes())

	pm.Restore(cp)
	restored, ok := pm.GetPosition(id)
	require.True(t, ok)
	assert.Equal(t, before.CanonicalBytes(), restored.CanonicalBytes())
	assert.True(t, pm.ContainsPosition(id))
}
