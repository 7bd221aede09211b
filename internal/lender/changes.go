package lender

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ChangeKind names a bookkeeping mutation
type ChangeKind uint8

const (
	ChangeDeposit ChangeKind = iota + 1
	ChangeWithdraw
	ChangeWeightGranted
	ChangeAvailableIncreased
	ChangeAvailableDecreased
	ChangePrincipalIncreased
	ChangePrincipalDecreased
	ChangeCriticalBucket
	ChangeRepaidCached
	ChangeForceClosed
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeDeposit:
		return "deposit"
	case ChangeWithdraw:
		return "withdraw"
	case ChangeWeightGranted:
		return "weight_granted"
	case ChangeAvailableIncreased:
		return "available_increased"
	case ChangeAvailableDecreased:
		return "available_decreased"
	case ChangePrincipalIncreased:
		return "principal_increased"
	case ChangePrincipalDecreased:
		return "principal_decreased"
	case ChangeCriticalBucket:
		return "critical_bucket"
	case ChangeRepaidCached:
		return "repaid_cached"
	case ChangeForceClosed:
		return "force_closed"
	default:
		return "unknown"
	}
}

// Change records one mutation together with the bucket and pool state right after it.
type Change struct {
	Kind    ChangeKind
	Bucket  uint64
	Account common.Address // zero for pool-level changes

	Amount uint256.Int // deposited, owed paid, or the available/principal delta
	Held   uint256.Int // held token paid on withdraw
	Weight uint256.Int // weight delta

	AccountWeight   uint256.Int
	BucketAvailable uint256.Int
	BucketPrincipal uint256.Int
	BucketWeight    uint256.Int
	AvailableTotal  uint256.Int
	PrincipalTotal  uint256.Int
	CachedRepaid    uint256.Int
	CriticalBucket  uint64
}

func (l *BucketLedger) record(kind ChangeKind, bk *Bucket, account common.Address, amount, held, weight *uint256.Int) {
	c := Change{
		Kind:           kind,
		Account:        account,
		AvailableTotal: l.availableTotal,
		PrincipalTotal: l.principalTotal,
		CachedRepaid:   l.cachedRepaid,
		CriticalBucket: l.criticalBucket,
	}
	if bk != nil {
		c.Bucket = bk.Index
		c.BucketAvailable = bk.Available
		c.BucketPrincipal = bk.Principal
		c.BucketWeight = bk.TotalWeight
		if account != (common.Address{}) {
			c.AccountWeight = l.weight(bk.Index, account)
		}
	} else {
		c.Bucket = l.criticalBucket
	}
	if amount != nil {
		c.Amount = *amount
	}
	if held != nil {
		c.Held = *held
	}
	if weight != nil {
		c.Weight = *weight
	}
	l.changes = append(l.changes, c)
}

// DrainChanges returns and clears the changes recorded since the last drain.
func (l *BucketLedger) DrainChanges() []Change {
	out := l.changes
	l.changes = nil
	return out
}
