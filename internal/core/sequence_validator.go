package core

import (
	"errors"
	"fmt"
)

var (
	ErrSequenceGap = errors.New("sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order command")
)

// SequenceValidator validates source sequences per partition. Strict partitions
// must be gapless; monotonic partitions only have to increase.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	monotonic       map[string]bool
	metrics         *SequenceMetrics

	// After a replay, commands rejected before the restart are missing from the
	// log, so the first live command of each strict partition may jump ahead.
	resyncing bool
	synced    map[string]bool
}

func NewSequenceValidator(monotonicPartitions ...string) *SequenceValidator {
	sv := &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		monotonic:       make(map[string]bool, len(monotonicPartitions)),
		metrics:         NewSequenceMetrics(),
	}
	for _, p := range monotonicPartitions {
		sv.monotonic[p] = true
	}
	return sv
}

// ValidateSequence checks source sequence ordering and advances the partition
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	if partition == "" {
		return fmt.Errorf("%w: empty partition", ErrOutOfOrder)
	}
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if sourceSequence == expected || sv.monotonic[partition] || sv.pendingResync(partition) {
		if sourceSequence > expected {
			sv.metrics.RecordGap(partition, expected, sourceSequence)
		}
		sv.expectedNextSeq[partition] = sourceSequence + 1
		if sv.resyncing {
			sv.synced[partition] = true
		}
		return nil
	}

	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// Observe advances the partition past sourceSequence without validating. Used
// on replay, where commands rejected before persistence leave gaps in the log.
func (sv *SequenceValidator) Observe(partition string, sourceSequence int64) {
	if sourceSequence >= sv.expectedNextSeq[partition] {
		sv.expectedNextSeq[partition] = sourceSequence + 1
	}
}

// Resync lets the next live command of every partition move the expected
// sequence forward once. Called when replay finishes.
func (sv *SequenceValidator) Resync() {
	sv.resyncing = true
	sv.synced = make(map[string]bool)
}

func (sv *SequenceValidator) pendingResync(partition string) bool {
	return sv.resyncing && !sv.synced[partition]
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition sets the next expected sequence (snapshot restore)
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.expectedNextSeq[partition] = nextSeq
}

// GetAllPartitions returns a copy of the expected sequences
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for p, seq := range sv.expectedNextSeq {
		out[p] = seq
	}
	return out
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}
