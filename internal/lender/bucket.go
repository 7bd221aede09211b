package lender

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Bucket aggregates the funds deposited during one BucketTime window.
type Bucket struct {
	Index       uint64
	Available   uint256.Int // owed token not lent out
	Principal   uint256.Int // owed token lent out, at face value
	TotalWeight uint256.Int
}

// AccountKey addresses one depositor's weight in one bucket.
type AccountKey struct {
	Bucket    uint64
	Depositor common.Address
}

// BucketAccount is a depositor's weight record.
type BucketAccount struct {
	Bucket    uint64
	Depositor common.Address
	Weight    uint256.Int
}

type weightUndo struct {
	key     AccountKey
	prev    uint256.Int
	existed bool
}

// Checkpoint is an opaque restore point taken by Begin.
type Checkpoint struct {
	arena          []Bucket
	availableTotal uint256.Int
	principalTotal uint256.Int
	cachedRepaid   uint256.Int
	criticalBucket uint64
	wasForceClosed bool
	frozen         bool
	heldPool       uint256.Int
	principalPool  uint256.Int
	undoLen        int
	changesLen     int
}
