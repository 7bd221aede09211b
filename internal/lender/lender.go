// Package lender implements the BucketLedger: a pooled lender that funds a single
// margin position from time-bucketed deposits and routes repayments, interest and
// liquidation proceeds back to depositors in proportion to their weight.
package lender

import (
	"sort"
	"time"

	lmath "BucketLender/internal/math"
	"BucketLender/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionLedger is the authoritative margin ledger the lender reads from.
type PositionLedger interface {
	ContainsPosition(id common.Hash) bool
	IsPositionClosed(id common.Hash) bool
	IsPositionCalled(id common.Hash) bool
	PositionPrincipal(id common.Hash) *uint256.Int
	PositionBalance(id common.Hash) *uint256.Int
	PositionStartTimestamp(id common.Hash) uint64
	TotalOwedTokenRepaidToLender(id common.Hash) *uint256.Int
	GetPosition(id common.Hash) (state.Position, bool)
}

// TokenBank holds the pool's token balances.
type TokenBank interface {
	BalanceOf(token, holder common.Address) *uint256.Int
	Transfer(token, from, to common.Address, amount *uint256.Int) error
}

// Clock supplies the time of the operation being processed.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// BucketLedger is the bucketed accounting engine for one position.
// Not thread-safe: every entry point runs to completion on the caller's goroutine.
type BucketLedger struct {
	cfg       Config
	positions PositionLedger
	tokens    TokenBank
	oracle    lmath.InterestOracle
	clock     Clock

	trustedMarginCallers map[common.Address]bool
	trustedWithdrawers   map[common.Address]bool

	arena   []Bucket // ordered by Index
	weights map[AccountKey]uint256.Int

	availableTotal uint256.Int
	principalTotal uint256.Int
	cachedRepaid   uint256.Int
	criticalBucket uint64
	wasForceClosed bool

	// Held/principal ratio frozen on the first redemption after force-close.
	frozen        bool
	heldPool      uint256.Int
	principalPool uint256.Int

	depth   int
	undo    []weightUndo
	changes []Change

	lastCheckedCritical uint64
	sawForceClosed      bool
}

// New builds a BucketLedger bound to cfg.PositionID.
func New(cfg Config, positions PositionLedger, tokens TokenBank, oracle lmath.InterestOracle, clock Clock) (*BucketLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if positions == nil || tokens == nil || oracle == nil || clock == nil {
		return nil, configErr("missing collaborator")
	}

	l := &BucketLedger{
		cfg:                  cfg,
		positions:            positions,
		tokens:               tokens,
		oracle:               oracle,
		clock:                clock,
		trustedMarginCallers: make(map[common.Address]bool, len(cfg.TrustedMarginCallers)),
		trustedWithdrawers:   make(map[common.Address]bool, len(cfg.TrustedWithdrawers)),
		weights:              make(map[AccountKey]uint256.Int),
	}
	l.cfg.TrustedMarginCallers = append([]common.Address(nil), cfg.TrustedMarginCallers...)
	l.cfg.TrustedWithdrawers = append([]common.Address(nil), cfg.TrustedWithdrawers...)
	for _, a := range cfg.TrustedMarginCallers {
		l.trustedMarginCallers[a] = true
	}
	for _, a := range cfg.TrustedWithdrawers {
		l.trustedWithdrawers[a] = true
	}
	return l, nil
}

// === Queries ===

func (l *BucketLedger) Config() Config { return l.cfg }

func (l *BucketLedger) Address() common.Address { return l.cfg.Self }

func (l *BucketLedger) PositionID() common.Hash { return l.cfg.PositionID }

func (l *BucketLedger) AvailableForBucket(b uint64) *uint256.Int {
	if bk := l.peek(b); bk != nil {
		return bk.Available.Clone()
	}
	return new(uint256.Int)
}

func (l *BucketLedger) PrincipalForBucket(b uint64) *uint256.Int {
	if bk := l.peek(b); bk != nil {
		return bk.Principal.Clone()
	}
	return new(uint256.Int)
}

func (l *BucketLedger) WeightForBucket(b uint64) *uint256.Int {
	if bk := l.peek(b); bk != nil {
		return bk.TotalWeight.Clone()
	}
	return new(uint256.Int)
}

func (l *BucketLedger) WeightForBucketForAccount(b uint64, depositor common.Address) *uint256.Int {
	w := l.weights[AccountKey{Bucket: b, Depositor: depositor}]
	return w.Clone()
}

func (l *BucketLedger) CriticalBucket() uint64 { return l.criticalBucket }

func (l *BucketLedger) WasForceClosed() bool { return l.wasForceClosed }

func (l *BucketLedger) CachedRepaidAmount() *uint256.Int { return l.cachedRepaid.Clone() }

func (l *BucketLedger) AvailableTotal() *uint256.Int { return l.availableTotal.Clone() }

func (l *BucketLedger) PrincipalTotal() *uint256.Int { return l.principalTotal.Clone() }

func (l *BucketLedger) IsTrustedMarginCaller(a common.Address) bool { return l.trustedMarginCallers[a] }

func (l *BucketLedger) IsTrustedWithdrawer(a common.Address) bool { return l.trustedWithdrawers[a] }

// Buckets returns copies of every bucket ever touched, in index order.
func (l *BucketLedger) Buckets() []Bucket {
	return append([]Bucket(nil), l.arena...)
}

// Accounts returns every non-zero weight record ordered by bucket then depositor.
func (l *BucketLedger) Accounts() []BucketAccount {
	out := make([]BucketAccount, 0, len(l.weights))
	for k, w := range l.weights {
		out = append(out, BucketAccount{Bucket: k.Bucket, Depositor: k.Depositor, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket != out[j].Bucket {
			return out[i].Bucket < out[j].Bucket
		}
		return out[i].Depositor.Cmp(out[j].Depositor) < 0
	})
	return out
}

// CurrentBucket is 0 until the position starts, then 1 + elapsed / BucketTime.
func (l *BucketLedger) CurrentBucket() uint64 {
	start := l.positions.PositionStartTimestamp(l.cfg.PositionID)
	if start == 0 {
		return 0
	}
	now := l.now()
	if now < start {
		return 1
	}
	return (now-start)/uint64(l.cfg.BucketTime) + 1
}

// BucketOwedAmount is the current redeemable value of bucket b's lent-out principal.
func (l *BucketLedger) BucketOwedAmount(b uint64) (*uint256.Int, error) {
	bk := l.peek(b)
	if bk == nil || bk.Principal.IsZero() || l.positions.IsPositionClosed(l.cfg.PositionID) || l.principalTotal.IsZero() {
		return new(uint256.Int), nil
	}
	start := l.positions.PositionStartTimestamp(l.cfg.PositionID)
	owed, err := lmath.OwedAmount(l.oracle, &l.principalTotal, l.interestTerms(), start, l.now())
	if err != nil {
		return nil, arithErr("valuation", err)
	}
	value, err := lmath.PartialAmount(&bk.Principal, &l.principalTotal, owed, lmath.RoundDown)
	if err != nil {
		return nil, arithErr("valuation", err)
	}
	return value, nil
}

func (l *BucketLedger) interestTerms() lmath.InterestTerms {
	return lmath.InterestTerms{
		Rate:        l.cfg.InterestRate,
		Period:      l.cfg.InterestPeriod,
		MaxDuration: l.cfg.MaxDuration,
	}
}

func (l *BucketLedger) now() uint64 {
	t := l.clock.Now().Unix()
	if t < 0 {
		return 0
	}
	return uint64(t)
}

// === Arena ===

func (l *BucketLedger) slotFrom(b uint64) int {
	return sort.Search(len(l.arena), func(i int) bool { return l.arena[i].Index >= b })
}

func (l *BucketLedger) peek(b uint64) *Bucket {
	i := l.slotFrom(b)
	if i < len(l.arena) && l.arena[i].Index == b {
		return &l.arena[i]
	}
	return nil
}

// bucket returns bucket b, creating it in order if it has never been touched.
func (l *BucketLedger) bucket(b uint64) *Bucket {
	i := l.slotFrom(b)
	if i < len(l.arena) && l.arena[i].Index == b {
		return &l.arena[i]
	}
	l.arena = append(l.arena, Bucket{})
	copy(l.arena[i+1:], l.arena[i:])
	l.arena[i] = Bucket{Index: b}
	return &l.arena[i]
}

func (l *BucketLedger) weight(b uint64, depositor common.Address) uint256.Int {
	return l.weights[AccountKey{Bucket: b, Depositor: depositor}]
}

func (l *BucketLedger) setWeight(b uint64, depositor common.Address, w *uint256.Int) {
	key := AccountKey{Bucket: b, Depositor: depositor}
	prev, existed := l.weights[key]
	l.undo = append(l.undo, weightUndo{key: key, prev: prev, existed: existed})
	if w.IsZero() {
		delete(l.weights, key)
		return
	}
	l.weights[key] = *w
}

// === Bookkeeping primitives ===

func (l *BucketLedger) addAvailable(bk *Bucket, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	bk.Available.Add(&bk.Available, amount)
	l.availableTotal.Add(&l.availableTotal, amount)
	l.record(ChangeAvailableIncreased, bk, common.Address{}, amount, nil, nil)
}

func (l *BucketLedger) subAvailable(bk *Bucket, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	bk.Available.Sub(&bk.Available, amount)
	l.availableTotal.Sub(&l.availableTotal, amount)
	l.record(ChangeAvailableDecreased, bk, common.Address{}, amount, nil, nil)
}

func (l *BucketLedger) addPrincipal(bk *Bucket, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	bk.Principal.Add(&bk.Principal, amount)
	l.principalTotal.Add(&l.principalTotal, amount)
	l.record(ChangePrincipalIncreased, bk, common.Address{}, amount, nil, nil)
}

func (l *BucketLedger) subPrincipal(bk *Bucket, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	bk.Principal.Sub(&bk.Principal, amount)
	l.principalTotal.Sub(&l.principalTotal, amount)
	l.record(ChangePrincipalDecreased, bk, common.Address{}, amount, nil, nil)
}

// === Transactions ===

// Begin opens a restore point. Calls nest; every Begin must be paired with End.
func (l *BucketLedger) Begin() Checkpoint {
	l.depth++
	return Checkpoint{
		arena:          append([]Bucket(nil), l.arena...),
		availableTotal: l.availableTotal,
		principalTotal: l.principalTotal,
		cachedRepaid:   l.cachedRepaid,
		criticalBucket: l.criticalBucket,
		wasForceClosed: l.wasForceClosed,
		frozen:         l.frozen,
		heldPool:       l.heldPool,
		principalPool:  l.principalPool,
		undoLen:        len(l.undo),
		changesLen:     len(l.changes),
	}
}

// End closes the restore point, reverting every mutation since Begin when failed.
func (l *BucketLedger) End(cp Checkpoint, failed bool) {
	if failed {
		l.arena = cp.arena
		l.availableTotal = cp.availableTotal
		l.principalTotal = cp.principalTotal
		l.cachedRepaid = cp.cachedRepaid
		l.criticalBucket = cp.criticalBucket
		l.wasForceClosed = cp.wasForceClosed
		l.frozen = cp.frozen
		l.heldPool = cp.heldPool
		l.principalPool = cp.principalPool
		for i := len(l.undo) - 1; i >= cp.undoLen; i-- {
			u := l.undo[i]
			if u.existed {
				l.weights[u.key] = u.prev
			} else {
				delete(l.weights, u.key)
			}
		}
		l.undo = l.undo[:cp.undoLen]
		if cp.changesLen <= len(l.changes) {
			l.changes = l.changes[:cp.changesLen]
		}
	}
	l.depth--
	if l.depth == 0 {
		l.undo = l.undo[:0]
	}
}

// finish is the deferred form of End used by entry points.
func (l *BucketLedger) finish(cp Checkpoint, err *error) {
	l.End(cp, *err != nil)
}
