package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"BucketLender/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Submission is a command injected in-process. Result receives the outcome of
// applying it and is buffered so the core never blocks on a gone caller.
type Submission struct {
	Event  event.Event
	Result chan error
}

// IngestService injects commands from the HTTP API and the keeper. Commands go
// to a gap-tolerant partition; sequences and timestamps are assigned under a
// lock so they reach the core in increasing order.
type IngestService struct {
	mu        sync.Mutex
	eventChan chan<- Submission
	partition string
	seq       int64
	lastTs    time.Time
	now       func() time.Time
}

func NewIngestService(eventChan chan<- Submission, partition string) *IngestService {
	return &IngestService{
		eventChan: eventChan,
		partition: partition,
		seq:       time.Now().UnixMicro(),
		now:       time.Now,
	}
}

func (s *IngestService) meta(key string) event.Meta {
	if key == "" {
		key = uuid.NewString()
	}
	ts := s.now()
	if ts.Before(s.lastTs) {
		ts = s.lastTs
	}
	s.lastTs = ts
	s.seq++
	return event.Meta{Key: key, Source: s.partition, Sequence: s.seq, Timestamp: ts}
}

// submit stamps the command and waits for the core's verdict.
func (s *IngestService) submit(ctx context.Context, build func(m event.Meta) event.Event, key string) error {
	result := make(chan error, 1)

	s.mu.Lock()
	sub := Submission{Event: build(s.meta(key)), Result: result}
	select {
	case s.eventChan <- sub:
		s.mu.Unlock()
	case <-ctx.Done():
		s.mu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitDeposit credits amount from depositor to beneficiary's weight.
func (s *IngestService) SubmitDeposit(ctx context.Context, key string, depositor, beneficiary common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("amount must be positive")
	}
	return s.submit(ctx, func(m event.Meta) event.Event {
		return &event.LenderDeposit{Meta: m, Depositor: depositor, Beneficiary: beneficiary, Amount: amount}
	}, key)
}

// SubmitWithdraw redeems weights (nil entries mean all) in buckets.
func (s *IngestService) SubmitWithdraw(ctx context.Context, key string, caller, onBehalfOf common.Address, buckets []uint64, weights []*uint256.Int) error {
	if len(buckets) != len(weights) {
		return fmt.Errorf("%d buckets but %d weights", len(buckets), len(weights))
	}
	return s.submit(ctx, func(m event.Meta) event.Event {
		return &event.LenderWithdraw{Meta: m, Caller: caller, OnBehalfOf: onBehalfOf, Buckets: buckets, Weights: weights}
	}, key)
}

func (s *IngestService) SubmitRebalance(ctx context.Context, key string) error {
	return s.submit(ctx, func(m event.Meta) event.Event {
		return &event.BucketsRebalance{Meta: m}
	}, key)
}

func (s *IngestService) SubmitSweep(ctx context.Context, key string, token, recipient common.Address) error {
	return s.submit(ctx, func(m event.Meta) event.Event {
		return &event.ExcessTokenSweep{Meta: m, Token: token, Recipient: recipient}
	}, key)
}
