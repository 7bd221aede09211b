package state

import (
	"BucketLender/internal/ledger"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	lmath "BucketLender/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrPositionNotFound  = errors.New("position not found")
	ErrPositionExists    = errors.New("position already exists")
	ErrPositionClosed    = errors.New("position is closed")
	ErrInvalidTransition = errors.New("invalid position transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidOffering   = errors.New("invalid loan offering")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// TokenLedger is the token surface the position manager settles through
type TokenLedger interface {
	BalanceOf(token, holder common.Address) *uint256.Int
	TransferTyped(jt ledger.JournalType, token, from, to common.Address, amount *uint256.Int) error
}

// PositionManager is the in-memory margin ledger. Collateral of every position is held
// by the vault address. Not thread-safe: only accessed from the deterministic core.
type PositionManager struct {
	vault     common.Address
	tokens    TokenLedger
	calc      *MarginCalculator
	positions map[common.Hash]*Position
	owners    map[common.Address]LoanOwner
}

func NewPositionManager(vault common.Address, tokens TokenLedger, oracle lmath.InterestOracle) *PositionManager {
	return &PositionManager{
		vault:     vault,
		tokens:    tokens,
		calc:      NewMarginCalculator(oracle),
		positions: make(map[common.Hash]*Position),
		owners:    make(map[common.Address]LoanOwner),
	}
}

// RegisterLoanOwner routes the approval hooks of positions lent by addr to owner.
func (pm *PositionManager) RegisterLoanOwner(addr common.Address, owner LoanOwner) {
	pm.owners[addr] = owner
}

// Vault returns the address holding position collateral
func (pm *PositionManager) Vault() common.Address {
	return pm.vault
}

// PositionIDFor derives the id of the position opened by opener with nonce
func PositionIDFor(opener common.Address, nonce uint64) common.Hash {
	var n [32]byte
	binary.BigEndian.PutUint64(n[24:], nonce)
	return crypto.Keccak256Hash(opener.Bytes(), n[:])
}

// === Queries ===

// ContainsPosition reports whether the position exists and is not closed
func (pm *PositionManager) ContainsPosition(id common.Hash) bool {
	pos, ok := pm.positions[id]
	return ok && !pos.Status.IsClosed()
}

func (pm *PositionManager) IsPositionClosed(id common.Hash) bool {
	pos, ok := pm.positions[id]
	return ok && pos.Status.IsClosed()
}

func (pm *PositionManager) IsPositionCalled(id common.Hash) bool {
	pos, ok := pm.positions[id]
	return ok && pos.Status == PositionStatusMarginCalled
}

// PositionPrincipal returns the outstanding principal (zero once closed)
func (pm *PositionManager) PositionPrincipal(id common.Hash) *uint256.Int {
	if pos, ok := pm.positions[id]; ok && !pos.Status.IsClosed() {
		return pos.Principal.Clone()
	}
	return new(uint256.Int)
}

// PositionBalance returns the held-token collateral of the position
func (pm *PositionManager) PositionBalance(id common.Hash) *uint256.Int {
	if pos, ok := pm.positions[id]; ok {
		return pos.HeldBalance.Clone()
	}
	return new(uint256.Int)
}

// PositionStartTimestamp returns zero for unknown positions
func (pm *PositionManager) PositionStartTimestamp(id common.Hash) uint64 {
	if pos, ok := pm.positions[id]; ok {
		return pos.StartTimestamp
	}
	return 0
}

func (pm *PositionManager) TotalOwedTokenRepaidToLender(id common.Hash) *uint256.Int {
	if pos, ok := pm.positions[id]; ok {
		return pos.TotalRepaid.Clone()
	}
	return new(uint256.Int)
}

// GetPosition returns a copy of the position
func (pm *PositionManager) GetPosition(id common.Hash) (Position, bool) {
	pos, ok := pm.positions[id]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// PositionOwedAmount is what fully closing the position costs at time now
func (pm *PositionManager) PositionOwedAmount(id common.Hash, now uint64) (*uint256.Int, error) {
	pos, err := pm.live(id)
	if err != nil {
		return nil, err
	}
	return pm.calc.OwedAmount(pos, &pos.Principal, now)
}

func (pm *PositionManager) live(id common.Hash) (*Position, error) {
	pos, ok := pm.positions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id.Hex(), ErrPositionNotFound)
	}
	if pos.Status.IsClosed() {
		return nil, fmt.Errorf("%s: %w", id.Hex(), ErrPositionClosed)
	}
	return pos, nil
}

func (pm *PositionManager) transition(pos *Position, next PositionStatus) error {
	if !pos.Status.CanTransitionTo(next) {
		return fmt.Errorf("%s -> %s: %w", pos.Status, next, ErrInvalidTransition)
	}
	pos.Status = next
	pos.Version++
	return nil
}

// === Open ===

// OpenRequest opens a position without a lending counterparty: the opener supplies
// the collateral and the loan is owned by Lender from the start.
type OpenRequest struct {
	Opener    common.Address
	Lender    common.Address
	Nonce     uint64
	Principal *uint256.Int
	Deposit   *uint256.Int // held token
	Terms     LoanTerms
}

func (pm *PositionManager) OpenWithoutCounterparty(req OpenRequest, now uint64) (common.Hash, error) {
	id := PositionIDFor(req.Opener, req.Nonce)
	if _, ok := pm.positions[id]; ok {
		return common.Hash{}, fmt.Errorf("%s: %w", id.Hex(), ErrPositionExists)
	}
	if req.Principal == nil || req.Principal.IsZero() || req.Deposit == nil || req.Deposit.IsZero() {
		return common.Hash{}, fmt.Errorf("open requires principal and deposit: %w", ErrInvalidAmount)
	}
	if req.Terms.MaxDuration == 0 || req.Terms.InterestPeriod > req.Terms.MaxDuration {
		return common.Hash{}, fmt.Errorf("open: malformed loan terms")
	}
	if err := pm.tokensAvailable(req.Terms.HeldToken, req.Opener, req.Deposit); err != nil {
		return common.Hash{}, err
	}

	pos := &Position{
		ID:             id,
		Owner:          req.Opener,
		Lender:         req.Lender,
		Terms:          req.Terms,
		Principal:      *req.Principal,
		HeldBalance:    *req.Deposit,
		StartTimestamp: now,
		Status:         PositionStatusOpen,
	}
	pm.positions[id] = pos

	if owner, ok := pm.owners[req.Lender]; ok {
		if err := owner.ReceiveLoanOwnership(req.Opener, id); err != nil {
			delete(pm.positions, id)
			return common.Hash{}, fmt.Errorf("loan owner rejected position: %w", err)
		}
	}

	if err := pm.tokens.TransferTyped(ledger.JournalTypeCollateralDeposit, req.Terms.HeldToken, req.Opener, pm.vault, req.Deposit); err != nil {
		panic(fmt.Sprintf("FATAL: collateral transfer failed after pre-check: %v", err))
	}

	return id, nil
}

// === Increase ===

// IncreaseResult describes the token movements of an increase
type IncreaseResult struct {
	LentAmount *uint256.Int
	HeldAdded  *uint256.Int
}

// IncreasePosition adds principal funded by offering.Payer. The lent owed token goes to
// the trader, who posts held token to keep the collateral ratio.
func (pm *PositionManager) IncreasePosition(trader common.Address, id common.Hash, principalToAdd *uint256.Int, offering LoanOffering, now uint64) (*IncreaseResult, error) {
	pos, err := pm.live(id)
	if err != nil {
		return nil, err
	}
	if trader != pos.Owner {
		return nil, fmt.Errorf("only the position owner can increase: %w", ErrUnauthorized)
	}
	if principalToAdd.IsZero() {
		return nil, fmt.Errorf("increase of zero principal: %w", ErrInvalidAmount)
	}

	lentAmount, err := pm.calc.LenderAmountForIncrease(pos, principalToAdd, now)
	if err != nil {
		return nil, fmt.Errorf("lender amount: %w", err)
	}
	heldToAdd, err := pm.calc.HeldForIncrease(pos, principalToAdd)
	if err != nil {
		return nil, fmt.Errorf("collateral for increase: %w", err)
	}
	offering.Amount = *lentAmount

	if err := pm.validateOffering(pos, &offering, now); err != nil {
		return nil, err
	}
	owner, ok := pm.owners[offering.Payer]
	if !ok {
		return nil, fmt.Errorf("payer %s cannot approve offerings: %w", offering.Payer.Hex(), ErrInvalidOffering)
	}
	if err := pm.tokensAvailable(pos.Terms.OwedToken, offering.Payer, lentAmount); err != nil {
		return nil, err
	}
	if err := pm.tokensAvailable(pos.Terms.HeldToken, trader, heldToAdd); err != nil {
		return nil, err
	}

	if err := owner.VerifyLoanOffering(offering, id); err != nil {
		return nil, fmt.Errorf("loan offering rejected: %w", err)
	}

	prevPrincipal, prevHeld := pos.Principal, pos.HeldBalance
	pos.Principal.Add(&pos.Principal, principalToAdd)
	pos.HeldBalance.Add(&pos.HeldBalance, heldToAdd)

	if loanOwner, ok := pm.owners[pos.Lender]; ok {
		if err := loanOwner.IncreaseLoanOnBehalfOf(offering.Payer, id, principalToAdd, lentAmount); err != nil {
			pos.Principal, pos.HeldBalance = prevPrincipal, prevHeld
			return nil, fmt.Errorf("loan owner rejected increase: %w", err)
		}
	}
	pos.Version++

	if err := pm.tokens.TransferTyped(ledger.JournalTypeLoanDisbursement, pos.Terms.OwedToken, offering.Payer, trader, lentAmount); err != nil {
		panic(fmt.Sprintf("FATAL: loan disbursement failed after pre-check: %v", err))
	}
	if err := pm.tokens.TransferTyped(ledger.JournalTypeCollateralDeposit, pos.Terms.HeldToken, trader, pm.vault, heldToAdd); err != nil {
		panic(fmt.Sprintf("FATAL: collateral transfer failed after pre-check: %v", err))
	}

	return &IncreaseResult{LentAmount: lentAmount, HeldAdded: heldToAdd}, nil
}

func (pm *PositionManager) validateOffering(pos *Position, o *LoanOffering, now uint64) error {
	switch {
	case o.OwedToken != pos.Terms.OwedToken || o.HeldToken != pos.Terms.HeldToken:
		return fmt.Errorf("offering tokens do not match position: %w", ErrInvalidOffering)
	case o.Amount.Gt(&o.MaxAmount) || o.Amount.Lt(&o.MinAmount):
		return fmt.Errorf("amount %s outside offering bounds: %w", o.Amount.Dec(), ErrInvalidOffering)
	case o.ExpirationTimestamp.Lt(uint256.NewInt(now)):
		return fmt.Errorf("offering expired: %w", ErrInvalidOffering)
	case o.InterestRate != pos.Terms.InterestRate || o.InterestPeriod != pos.Terms.InterestPeriod:
		return fmt.Errorf("offering interest terms do not match position: %w", ErrInvalidOffering)
	case o.CallTimeLimit < pos.Terms.CallTimeLimit || o.MaxDuration < pos.Terms.MaxDuration:
		return fmt.Errorf("offering duration terms shorter than position: %w", ErrInvalidOffering)
	}
	return nil
}

// === Close ===

// CloseResult describes the settlement of a close
type CloseResult struct {
	PrincipalClosed *uint256.Int
	OwedPaid        *uint256.Int
	HeldReleased    *uint256.Int
	FullyClosed     bool
}

// ClosePosition repays requested principal (capped at the outstanding principal) with
// interest to the lender and releases collateral pro rata to the closer.
func (pm *PositionManager) ClosePosition(closer common.Address, id common.Hash, requested *uint256.Int, now uint64) (*CloseResult, error) {
	pos, err := pm.live(id)
	if err != nil {
		return nil, err
	}
	if closer != pos.Owner {
		return nil, fmt.Errorf("only the position owner can close: %w", ErrUnauthorized)
	}
	if requested.IsZero() {
		return nil, fmt.Errorf("close of zero principal: %w", ErrInvalidAmount)
	}

	principalToClose := lmath.Min(requested, &pos.Principal)
	full := principalToClose.Eq(&pos.Principal)

	owed, err := pm.calc.OwedAmount(pos, principalToClose, now)
	if err != nil {
		return nil, fmt.Errorf("owed amount: %w", err)
	}
	held := pm.calc.HeldToRelease(pos, principalToClose)

	if err := pm.tokensAvailable(pos.Terms.OwedToken, closer, owed); err != nil {
		return nil, err
	}

	next := pos.Status
	if full {
		next = PositionStatusClosed
	}
	if err := pm.transition(pos, next); err != nil {
		return nil, err
	}
	pos.Principal.Sub(&pos.Principal, principalToClose)
	pos.HeldBalance.Sub(&pos.HeldBalance, held)
	pos.TotalRepaid.Add(&pos.TotalRepaid, owed)

	if err := pm.tokens.TransferTyped(ledger.JournalTypeRepayment, pos.Terms.OwedToken, closer, pos.Lender, owed); err != nil {
		panic(fmt.Sprintf("FATAL: repayment failed after pre-check: %v", err))
	}
	if err := pm.tokens.TransferTyped(ledger.JournalTypeCollateralRelease, pos.Terms.HeldToken, pm.vault, closer, held); err != nil {
		panic(fmt.Sprintf("FATAL: collateral release failed: %v", err))
	}

	return &CloseResult{
		PrincipalClosed: principalToClose,
		OwedPaid:        owed,
		HeldReleased:    held,
		FullyClosed:     full,
	}, nil
}

// === Collateral & margin calls ===

// DepositCollateral adds held token to the position. A deposit covering the required
// amount of an active margin call cancels the call.
func (pm *PositionManager) DepositCollateral(depositor common.Address, id common.Hash, amount *uint256.Int) error {
	pos, err := pm.live(id)
	if err != nil {
		return err
	}
	if depositor != pos.Owner {
		return fmt.Errorf("only the position owner can deposit collateral: %w", ErrUnauthorized)
	}
	if amount.IsZero() {
		return fmt.Errorf("zero collateral deposit: %w", ErrInvalidAmount)
	}
	if err := pm.tokensAvailable(pos.Terms.HeldToken, depositor, amount); err != nil {
		return err
	}

	if pos.Status == PositionStatusMarginCalled && amount.Cmp(&pos.RequiredDeposit) >= 0 {
		if err := pm.transition(pos, PositionStatusOpen); err != nil {
			return err
		}
		pos.CallTimestamp = 0
		pos.RequiredDeposit.Clear()
	}
	pos.HeldBalance.Add(&pos.HeldBalance, amount)

	if err := pm.tokens.TransferTyped(ledger.JournalTypeCollateralDeposit, pos.Terms.HeldToken, depositor, pm.vault, amount); err != nil {
		panic(fmt.Sprintf("FATAL: collateral transfer failed after pre-check: %v", err))
	}
	return nil
}

// MarginCall starts the call-time-limit clock on the position
func (pm *PositionManager) MarginCall(caller common.Address, id common.Hash, requiredDeposit *uint256.Int, now uint64) error {
	pos, err := pm.live(id)
	if err != nil {
		return err
	}
	if pos.Status != PositionStatusOpen {
		return fmt.Errorf("margin call on %s position: %w", pos.Status, ErrInvalidTransition)
	}
	if owner, ok := pm.owners[pos.Lender]; ok {
		if err := owner.MarginCallOnBehalfOf(caller, id, requiredDeposit); err != nil {
			return fmt.Errorf("loan owner rejected margin call: %w", err)
		}
	} else if caller != pos.Lender {
		return fmt.Errorf("only the lender can margin call: %w", ErrUnauthorized)
	}

	if err := pm.transition(pos, PositionStatusMarginCalled); err != nil {
		return err
	}
	pos.CallTimestamp = now
	pos.RequiredDeposit = *requiredDeposit
	return nil
}

func (pm *PositionManager) CancelMarginCall(caller common.Address, id common.Hash) error {
	pos, err := pm.live(id)
	if err != nil {
		return err
	}
	if pos.Status != PositionStatusMarginCalled {
		return fmt.Errorf("cancel on %s position: %w", pos.Status, ErrInvalidTransition)
	}
	if owner, ok := pm.owners[pos.Lender]; ok {
		if err := owner.CancelMarginCallOnBehalfOf(caller, id); err != nil {
			return fmt.Errorf("loan owner rejected cancel: %w", err)
		}
	} else if caller != pos.Lender {
		return fmt.Errorf("only the lender can cancel a margin call: %w", ErrUnauthorized)
	}

	if err := pm.transition(pos, PositionStatusOpen); err != nil {
		return err
	}
	pos.CallTimestamp = 0
	pos.RequiredDeposit.Clear()
	return nil
}

// ForceRecoverCollateral seizes all collateral to recipient once the call time limit or
// the max duration has passed. Returns the amount recovered.
func (pm *PositionManager) ForceRecoverCollateral(caller common.Address, id common.Hash, recipient common.Address, now uint64) (*uint256.Int, error) {
	pos, err := pm.live(id)
	if err != nil {
		return nil, err
	}
	if !pm.calc.CanForceRecover(pos, now) {
		return nil, fmt.Errorf("collateral not yet recoverable: %w", ErrInvalidTransition)
	}
	if owner, ok := pm.owners[pos.Lender]; ok {
		if err := owner.ForceRecoverCollateralOnBehalfOf(caller, id, recipient); err != nil {
			return nil, fmt.Errorf("loan owner rejected force recover: %w", err)
		}
	} else if caller != pos.Lender {
		return nil, fmt.Errorf("only the lender can force recover: %w", ErrUnauthorized)
	}

	if err := pm.transition(pos, PositionStatusForceClosed); err != nil {
		return nil, err
	}
	recovered := pos.HeldBalance.Clone()
	pos.HeldBalance.Clear()
	pos.Principal.Clear()

	if err := pm.tokens.TransferTyped(ledger.JournalTypeForceRecovery, pos.Terms.HeldToken, pm.vault, recipient, recovered); err != nil {
		panic(fmt.Sprintf("FATAL: force recovery transfer failed: %v", err))
	}
	return recovered, nil
}

func (pm *PositionManager) tokensAvailable(token, holder common.Address, amount *uint256.Int) error {
	if bal := pm.tokens.BalanceOf(token, holder); bal.Lt(amount) {
		return fmt.Errorf("%s holds %s of %s, needs %s: %w",
			holder.Hex(), bal.Dec(), token.Hex(), amount.Dec(), ledger.ErrInsufficientBalance)
	}
	return nil
}

// === Snapshot ===

// Checkpoint returns a deep copy of all positions for rollback
func (pm *PositionManager) Checkpoint() []Position {
	return pm.GetAllPositions()
}

// Restore replaces all positions
func (pm *PositionManager) Restore(positions []Position) {
	pm.positions = make(map[common.Hash]*Position, len(positions))
	for i := range positions {
		pos := positions[i]
		pm.positions[pos.ID] = &pos
	}
}

// GetAllPositions returns copies of all positions ordered by id
func (pm *PositionManager) GetAllPositions() []Position {
	out := make([]Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Cmp(out[j].ID) < 0
	})
	return out
}
