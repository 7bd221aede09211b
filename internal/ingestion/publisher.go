package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"BucketLender/internal/core"
	"BucketLender/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutputSubjectPrefix roots outbound change records:
// lender.out.{EventType}
const OutputSubjectPrefix = "lender.out"

// OutboundPublisher publishes applied commands and their bucket changes for
// downstream consumers, after persistence confirmed them.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// ChangeRecord is one bucket bookkeeping change in an outbound message.
type ChangeRecord struct {
	Kind            string `json:"kind"`
	Bucket          uint64 `json:"bucket"`
	Account         string `json:"account,omitempty"`
	Amount          string `json:"amount"`
	Held            string `json:"held"`
	Weight          string `json:"weight"`
	AccountWeight   string `json:"account_weight"`
	BucketAvailable string `json:"bucket_available"`
	BucketPrincipal string `json:"bucket_principal"`
	BucketWeight    string `json:"bucket_weight"`
}

// PublishableEvent is the outbound message for one applied command.
type PublishableEvent struct {
	Sequence       int64          `json:"sequence"`
	EventType      string         `json:"event_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	StateHash      string         `json:"state_hash"`
	Timestamp      time.Time      `json:"timestamp"`
	AvailableTotal string         `json:"available_total"`
	PrincipalTotal string         `json:"principal_total"`
	CriticalBucket uint64         `json:"critical_bucket"`
	CurrentBucket  uint64         `json:"current_bucket"`
	WasForceClosed bool           `json:"was_force_closed"`
	Changes        []ChangeRecord `json:"changes,omitempty"`
}

// NewPublishableEvent flattens a core output into its outbound form.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	pe := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
		AvailableTotal: out.Summary.AvailableTotal.Dec(),
		PrincipalTotal: out.Summary.PrincipalTotal.Dec(),
		CriticalBucket: out.Summary.CriticalBucket,
		CurrentBucket:  out.Summary.CurrentBucket,
		WasForceClosed: out.Summary.WasForceClosed,
	}
	for _, ch := range out.Changes {
		rec := ChangeRecord{
			Kind:            ch.Kind.String(),
			Bucket:          ch.Bucket,
			Amount:          ch.Amount.Dec(),
			Held:            ch.Held.Dec(),
			Weight:          ch.Weight.Dec(),
			AccountWeight:   ch.AccountWeight.Dec(),
			BucketAvailable: ch.BucketAvailable.Dec(),
			BucketPrincipal: ch.BucketPrincipal.Dec(),
			BucketWeight:    ch.BucketWeight.Dec(),
		}
		if ch.Account != (common.Address{}) {
			rec.Account = ch.Account.Hex()
		}
		pe.Changes = append(pe.Changes, rec)
	}
	return pe
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, NewPublishableEvent(out)); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Int64("seq", out.Envelope.Sequence).Err(err).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", OutputSubjectPrefix, evt.EventType)

	// Msg ID lets JetStream dedupe republishes after a restart.
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}
