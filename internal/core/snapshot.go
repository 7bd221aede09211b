package core

import (
	"fmt"
	"time"

	"BucketLender/internal/ledger"
	"BucketLender/internal/lender"
	"BucketLender/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SnapshotState holds the in-memory state needed to resume without full replay.
type SnapshotState struct {
	Sequence        int64 // last applied sequence, -1 when nothing was applied
	StateHash       [32]byte
	LastTimestamp   time.Time
	Balances        map[ledger.AccountKey]uint256.Int
	Supply          map[common.Address]uint256.Int
	Positions       []state.Position
	Lender          lender.State
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state. Call it on the core goroutine.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		LastTimestamp:   c.lastTimestamp,
		Balances:        c.balanceTracker.Snapshot(),
		Supply:          c.balanceTracker.SupplySnapshot(),
		Positions:       c.positionManager.GetAllPositions(),
		Lender:          c.lender.Export(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot replaces the core's in-memory state. Commands after
// snap.Sequence are then replayed from the event log.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.now = snap.LastTimestamp
	if err := c.lender.Restore(snap.Lender); err != nil {
		return fmt.Errorf("restore lender: %w", err)
	}
	c.balanceTracker.Restore(snap.Balances, snap.Supply)
	c.positionManager.Restore(snap.Positions)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.lastTimestamp = snap.LastTimestamp

	if err := c.validator.ValidateSupplyConservation(); err != nil {
		return fmt.Errorf("restored balances: %w", err)
	}
	if err := c.lender.CheckInvariants(); err != nil {
		return fmt.Errorf("restored lender: %w", err)
	}
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
