package main

import (
	"context"
	"fmt"
	"time"

	"BucketLender/internal/core"
	"BucketLender/internal/observability"
	"BucketLender/internal/persistence"
)

const (
	replayBatchSize = 1000
	maxWarmKeys     = 100_000
)

// recoverCore restores the latest verified snapshot, if any, and replays the
// event log after it. Without a snapshot the LRU is warmed from recent keys.
func recoverCore(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	keys *persistence.PostgresIdempotencyChecker,
	lruCapacity int,
	metrics *observability.Metrics,
) error {
	logger := observability.NewLogger("recovery")
	start := time.Now()

	from := int64(0)
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot unusable, replaying from genesis")
		snap = nil
	}
	if snap != nil {
		state, err := snap.State()
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := c.RestoreFromSnapshot(state); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		n := lruCapacity
		if n <= 0 || n > maxWarmKeys {
			n = maxWarmKeys
		}
		recent, err := keys.RecentKeys(ctx, n)
		if err != nil {
			return fmt.Errorf("load recent keys: %w", err)
		}
		c.WarmLRU(recent)
	}

	var replayed int64
	for {
		events, err := snapMgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(events) == 0 {
			break
		}
		for _, se := range events {
			if err := c.ReplayEvent(se.Envelope, se.Event); err != nil {
				return fmt.Errorf("replay sequence %d: %w", se.Envelope.Sequence, err)
			}
		}
		replayed += int64(len(events))
		from = events[len(events)-1].Envelope.Sequence + 1
	}
	c.EndReplay()

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// runSnapshots saves snapshots handed over by the core loop.
func runSnapshots(
	ctx context.Context,
	in <-chan *core.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	persisted func() int64,
	metrics *observability.Metrics,
) {
	logger := observability.NewLogger("snapshot")
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-in:
			if err := takeSnapshot(ctx, snapMgr, snap, persisted, metrics); err != nil {
				logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot failed")
			}
		}
	}
}

// takeSnapshot writes snap and marks it verified once the event row at its
// sequence has been committed.
func takeSnapshot(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	snap *core.SnapshotState,
	persisted func() int64,
	metrics *observability.Metrics,
) error {
	if snap.Sequence < 0 {
		return nil
	}
	start := time.Now()

	size, err := snapMgr.SaveSnapshot(ctx, persistence.NewSnapshotData(snap))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	wait := time.NewTicker(100 * time.Millisecond)
	defer wait.Stop()
	for persisted() < snap.Sequence {
		select {
		case <-ctx.Done():
			return fmt.Errorf("snapshot %d left unverified: %w", snap.Sequence, ctx.Err())
		case <-wait.C:
		}
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("verify snapshot: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	logger := observability.NewLogger("snapshot")
	logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot verified")
	return nil
}
