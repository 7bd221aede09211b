package lender

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// State is the serializable form of a BucketLedger. Amounts are decimal strings.
type State struct {
	Buckets        []BucketState  `json:"buckets"`
	Accounts       []AccountState `json:"accounts"`
	AvailableTotal string         `json:"available_total"`
	PrincipalTotal string         `json:"principal_total"`
	CachedRepaid   string         `json:"cached_repaid"`
	CriticalBucket uint64         `json:"critical_bucket"`
	WasForceClosed bool           `json:"was_force_closed"`
	Frozen         bool           `json:"frozen"`
	HeldPool       string         `json:"held_pool"`
	PrincipalPool  string         `json:"principal_pool"`
}

type BucketState struct {
	Index       uint64 `json:"index"`
	Available   string `json:"available"`
	Principal   string `json:"principal"`
	TotalWeight string `json:"total_weight"`
}

type AccountState struct {
	Bucket    uint64         `json:"bucket"`
	Depositor common.Address `json:"depositor"`
	Weight    string         `json:"weight"`
}

// Export captures the full bookkeeping state.
func (l *BucketLedger) Export() State {
	s := State{
		Buckets:        make([]BucketState, 0, len(l.arena)),
		AvailableTotal: l.availableTotal.Dec(),
		PrincipalTotal: l.principalTotal.Dec(),
		CachedRepaid:   l.cachedRepaid.Dec(),
		CriticalBucket: l.criticalBucket,
		WasForceClosed: l.wasForceClosed,
		Frozen:         l.frozen,
		HeldPool:       l.heldPool.Dec(),
		PrincipalPool:  l.principalPool.Dec(),
	}
	for _, bk := range l.arena {
		s.Buckets = append(s.Buckets, BucketState{
			Index:       bk.Index,
			Available:   bk.Available.Dec(),
			Principal:   bk.Principal.Dec(),
			TotalWeight: bk.TotalWeight.Dec(),
		})
	}
	for _, a := range l.Accounts() {
		s.Accounts = append(s.Accounts, AccountState{Bucket: a.Bucket, Depositor: a.Depositor, Weight: a.Weight.Dec()})
	}
	return s
}

// Restore replaces the bookkeeping state. Configuration and collaborators are kept.
func (l *BucketLedger) Restore(s State) error {
	var err error
	parse := func(field, v string) uint256.Int {
		if err != nil {
			return uint256.Int{}
		}
		x, perr := uint256.FromDecimal(v)
		if perr != nil {
			err = fmt.Errorf("restore %s %q: %w", field, v, perr)
			return uint256.Int{}
		}
		return *x
	}

	arena := make([]Bucket, 0, len(s.Buckets))
	for _, b := range s.Buckets {
		arena = append(arena, Bucket{
			Index:       b.Index,
			Available:   parse("available", b.Available),
			Principal:   parse("principal", b.Principal),
			TotalWeight: parse("total_weight", b.TotalWeight),
		})
	}
	weights := make(map[AccountKey]uint256.Int, len(s.Accounts))
	for _, a := range s.Accounts {
		weights[AccountKey{Bucket: a.Bucket, Depositor: a.Depositor}] = parse("weight", a.Weight)
	}
	availableTotal := parse("available_total", s.AvailableTotal)
	principalTotal := parse("principal_total", s.PrincipalTotal)
	cachedRepaid := parse("cached_repaid", s.CachedRepaid)
	heldPool := parse("held_pool", s.HeldPool)
	principalPool := parse("principal_pool", s.PrincipalPool)
	if err != nil {
		return err
	}

	l.arena = arena
	l.weights = weights
	l.availableTotal = availableTotal
	l.principalTotal = principalTotal
	l.cachedRepaid = cachedRepaid
	l.criticalBucket = s.CriticalBucket
	l.wasForceClosed = s.WasForceClosed
	l.frozen = s.Frozen
	l.heldPool = heldPool
	l.principalPool = principalPool
	l.lastCheckedCritical = s.CriticalBucket
	l.sawForceClosed = s.WasForceClosed
	l.undo = nil
	l.changes = nil
	return nil
}
