package lender_test

import (
	"testing"
	"time"

	"BucketLender/internal/lender"
	"BucketLender/internal/ledger"
	lmath "BucketLender/internal/math"
	"BucketLender/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

const (
	bucketTime     = 24 * 60 * 60
	interestRate   = 10_000_000 // 10% per year
	interestPeriod = 60 * 60
	maxDuration    = 365 * 24 * 60 * 60
	callTimeLimit  = 24 * 60 * 60
)

var (
	owedToken   = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	heldToken   = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	otherToken  = common.HexToAddress("0x0000000000000000000000000000000000000a03")
	lenderAddr  = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	vaultAddr   = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	trusted     = common.HexToAddress("0x0000000000000000000000000000000000000c01") // opener, margin caller
	withdrawer  = common.HexToAddress("0x0000000000000000000000000000000000000c02")
	lender1     = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	lender2     = common.HexToAddress("0x0000000000000000000000000000000000000d02")
	lender3     = common.HexToAddress("0x0000000000000000000000000000000000000d03")
	alice       = common.HexToAddress("0x0000000000000000000000000000000000000d04")
	stranger    = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	recipient   = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	openerNonce = uint64(1)
	t0          = time.Unix(1_700_000_000, 0)
)

// ot returns n whole owed-token units (18 decimals).
func ot(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

type harness struct {
	t      *testing.T
	now    time.Time
	tokens *ledger.BalanceTracker
	pm     *state.PositionManager
	l      *lender.BucketLedger
	id     common.Hash
}

func lenderConfig(id common.Hash) lender.Config {
	return lender.Config{
		Self:                 lenderAddr,
		PositionID:           id,
		OwedToken:            owedToken,
		HeldToken:            heldToken,
		BucketTime:           bucketTime,
		InterestRate:         interestRate,
		InterestPeriod:       interestPeriod,
		MaxDuration:          maxDuration,
		CallTimeLimit:        callTimeLimit,
		MinHeldNumerator:     3,
		MinHeldDenominator:   1,
		TrustedMarginCallers: []common.Address{trusted},
		TrustedWithdrawers:   []common.Address{withdrawer},
	}
}

func loanTerms() state.LoanTerms {
	return state.LoanTerms{
		OwedToken:      owedToken,
		HeldToken:      heldToken,
		MaxDuration:    maxDuration,
		CallTimeLimit:  callTimeLimit,
		InterestRate:   interestRate,
		InterestPeriod: interestPeriod,
	}
}

// newHarness builds an unopened lender with funded participants.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, now: t0, tokens: ledger.NewBalanceTracker()}
	h.id = state.PositionIDFor(trusted, openerNonce)
	h.pm = state.NewPositionManager(vaultAddr, h.tokens, lmath.CompoundOracle{})

	l, err := lender.New(lenderConfig(h.id), h.pm, h.tokens, lmath.CompoundOracle{}, lender.ClockFunc(func() time.Time { return h.now }))
	require.NoError(t, err)
	h.l = l
	h.pm.RegisterLoanOwner(lenderAddr, l)

	for _, who := range []common.Address{lender1, lender2, lender3, alice, withdrawer, stranger} {
		h.issue(owedToken, who, ot(100))
	}
	h.issue(heldToken, trusted, ot(1000))
	h.issue(owedToken, trusted, ot(100))
	return h
}

// newOpenHarness reproduces the common setup: two pre-open deposits into bucket 0,
// then the trusted party opens with 2 OT principal and 6 OT collateral.
func newOpenHarness(t *testing.T) *harness {
	h := newHarness(t)
	h.deposit(lender1, ot(2))
	h.deposit(lender2, ot(3))
	h.open(ot(2), ot(6))
	return h
}

func (h *harness) issue(token, to common.Address, amount *uint256.Int) {
	require.NoError(h.t, h.tokens.Issue(token, to, amount))
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) unix() uint64 {
	return uint64(h.now.Unix())
}

func (h *harness) open(principal, deposit *uint256.Int) {
	h.t.Helper()
	_, err := h.pm.OpenWithoutCounterparty(state.OpenRequest{
		Opener:    trusted,
		Lender:    lenderAddr,
		Nonce:     openerNonce,
		Principal: principal,
		Deposit:   deposit,
		Terms:     loanTerms(),
	}, h.unix())
	require.NoError(h.t, err)
}

func (h *harness) deposit(who common.Address, amount *uint256.Int) (uint64, *uint256.Int) {
	h.t.Helper()
	b, w, err := h.l.Deposit(who, who, amount)
	require.NoError(h.t, err)
	return b, w
}

func (h *harness) increase(principal *uint256.Int) *state.IncreaseResult {
	h.t.Helper()
	res, err := h.pm.IncreasePosition(trusted, h.id, principal, h.l.CanonicalOffering(nil), h.unix())
	require.NoError(h.t, err)
	return res
}

func (h *harness) close(principal *uint256.Int) *state.CloseResult {
	h.t.Helper()
	res, err := h.pm.ClosePosition(trusted, h.id, principal, h.unix())
	require.NoError(h.t, err)
	return res
}

func (h *harness) withdrawAll(who common.Address, bucket uint64) (*uint256.Int, *uint256.Int) {
	h.t.Helper()
	owed, held, err := h.l.Withdraw(who, []uint64{bucket}, []*uint256.Int{lender.MaxWeight}, who)
	require.NoError(h.t, err)
	return owed, held
}

func (h *harness) rebalance() {
	h.t.Helper()
	require.NoError(h.t, h.l.RebalanceBuckets())
}

func (h *harness) checkInvariants() {
	h.t.Helper()
	require.NoError(h.t, h.l.CheckInvariants())
}

func (h *harness) forceClose() {
	h.t.Helper()
	require.NoError(h.t, h.pm.MarginCall(trusted, h.id, new(uint256.Int), h.unix()))
	h.advance(callTimeLimit * time.Second)
	_, err := h.pm.ForceRecoverCollateral(trusted, h.id, lenderAddr, h.unix())
	require.NoError(h.t, err)
	h.l.FreezeForceCloseRatio()
}

func requireEq(t *testing.T, want, got *uint256.Int, msgAndArgs ...interface{}) {
	t.Helper()
	require.Equal(t, want.Dec(), got.Dec(), msgAndArgs...)
}
