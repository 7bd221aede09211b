package main

import (
	"context"
	"time"

	"BucketLender/internal/core"
	"BucketLender/internal/ingestion"
	"BucketLender/internal/observability"
)

type coreInputs struct {
	raw          <-chan ingestion.RawEvent
	submissions  <-chan ingestion.Submission
	snapshotTick <-chan time.Time
	snapshots    chan<- *core.SnapshotState
	persistChan  chan core.CoreOutput
}

// runCore is the only goroutine that touches the core. NATS commands are
// acked once applied or terminally rejected and nak'd when a sequence gap
// means they arrived early.
func runCore(ctx context.Context, c *core.DeterministicCore, in coreInputs, metrics *observability.Metrics) {
	logger := observability.NewLogger("core-loop")
	gauges := time.NewTicker(time.Second)
	defer gauges.Stop()
	lastSnapshot := c.GetSequence() - 1

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-in.raw:
			if !ok {
				return
			}
			evt, err := ingestion.ParseRawEvent(raw)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable command")
				raw.TermFunc()
				continue
			}
			switch err := c.ProcessEvent(evt); {
			case err == nil:
				raw.AckFunc()
			case core.Retryable(err):
				logger.Debug().Err(err).Str("key", evt.IdempotencyKey()).Msg("command early, redelivering")
				raw.NakFunc()
			default:
				logger.Info().Err(err).Str("key", evt.IdempotencyKey()).Msg("command rejected")
				raw.AckFunc()
			}

		case sub := <-in.submissions:
			sub.Result <- c.ProcessEvent(sub.Event)

		case <-in.snapshotTick:
			snap := c.CreateSnapshotState()
			if snap.Sequence < 0 || snap.Sequence == lastSnapshot {
				continue
			}
			select {
			case in.snapshots <- snap:
				lastSnapshot = snap.Sequence
			default:
				logger.Warn().Int64("sequence", snap.Sequence).Msg("previous snapshot still in flight, skipping")
			}

		case <-gauges.C:
			if metrics != nil {
				metrics.SetChannelMetrics("persist", len(in.persistChan), cap(in.persistChan))
				metrics.SetChannelMetrics("raw", len(in.raw), cap(in.raw))
				metrics.SetChannelMetrics("submissions", len(in.submissions), cap(in.submissions))
			}
		}
	}
}
