package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"BucketLender/internal/event"
	"BucketLender/internal/ingestion"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	alice   = "0x00000000000000000000000000000000000000c2"
	bob     = "0x00000000000000000000000000000000000000c3"
	owedTok = "0x00000000000000000000000000000000000000a1"
	posID   = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

func rawFromJSON(t *testing.T, subject string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
		TermFunc:  func() {},
	}
}

func TestParseLenderDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "dep-1",
		"sequence":        int64(7),
		"timestamp_us":    int64(1700000000000000),
		"depositor":       alice,
		"amount":          "1000000000000000000",
	}

	raw := rawFromJSON(t, "lender.cmd.lender.LenderDeposit", payload)
	evt, err := ingestion.ParseRawEvent(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dep, ok := evt.(*event.LenderDeposit)
	if !ok {
		t.Fatalf("expected *event.LenderDeposit, got %T", evt)
	}
	if dep.Partition() != event.PartitionLender {
		t.Errorf("partition: got %s, want lender", dep.Partition())
	}
	if dep.SourceSequence() != 7 {
		t.Errorf("sequence: got %d, want 7", dep.SourceSequence())
	}
	if dep.Beneficiary != common.HexToAddress(alice) {
		t.Errorf("beneficiary should default to depositor, got %s", dep.Beneficiary.Hex())
	}
	if dep.Amount.Dec() != "1000000000000000000" {
		t.Errorf("amount: got %s", dep.Amount.Dec())
	}
	if !dep.Time().Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp: got %s", dep.Time())
	}
}

func TestParseLenderWithdraw_MaxWeights(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "wd-1",
		"sequence":        int64(8),
		"timestamp_us":    int64(1700000000000000),
		"caller":          bob,
		"on_behalf_of":    alice,
		"buckets":         []uint64{0, 3},
		"weights":         []string{"max", "0x10"},
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "lender.cmd.lender.LenderWithdraw", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	wd := evt.(*event.LenderWithdraw)
	if wd.Weights[0] != nil {
		t.Errorf("max weight should decode to nil, got %s", wd.Weights[0].Dec())
	}
	if wd.Weights[1].Uint64() != 16 {
		t.Errorf("hex weight: got %s, want 16", wd.Weights[1].Dec())
	}
	if wd.OnBehalfOf != common.HexToAddress(alice) || wd.Caller != common.HexToAddress(bob) {
		t.Errorf("addresses not parsed")
	}
}

func TestParseRejectsMalformedFields(t *testing.T) {
	base := func() map[string]interface{} {
		return map[string]interface{}{
			"idempotency_key": "close-1",
			"sequence":        int64(1),
			"timestamp_us":    int64(1700000000000000),
			"closer":          alice,
			"position_id":     posID,
			"principal":       "5",
		}
	}
	tests := []struct {
		name   string
		mutate func(m map[string]interface{})
	}{
		{"bad address", func(m map[string]interface{}) { m["closer"] = "alice" }},
		{"short hash", func(m map[string]interface{}) { m["position_id"] = "0x1234" }},
		{"negative amount", func(m map[string]interface{}) { m["principal"] = "-5" }},
		{"missing amount", func(m map[string]interface{}) { delete(m, "principal") }},
		{"missing key", func(m map[string]interface{}) { delete(m, "idempotency_key") }},
		{"missing timestamp", func(m map[string]interface{}) { delete(m, "timestamp_us") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := base()
			tt.mutate(payload)
			if _, err := ingestion.ParseRawEvent(rawFromJSON(t, "lender.cmd.positions.PositionClosed", payload)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestParseRejectsUnknownSubjects(t *testing.T) {
	for _, subject := range []string{
		"lender.cmd.lender.Unknown",
		"perp.trades.BTC",
		"lender.cmd.LenderDeposit",
	} {
		if _, err := ingestion.ParseRawEvent(rawFromJSON(t, subject, map[string]interface{}{})); err == nil {
			t.Errorf("%s: expected error", subject)
		}
	}
}

func TestEncodeParsesBack(t *testing.T) {
	original := &event.PositionOpened{
		Meta: event.Meta{
			Key:       "open-1",
			Source:    event.PartitionPositions,
			Sequence:  0,
			Timestamp: time.UnixMicro(1700000000123456),
		},
		Opener:         common.HexToAddress(alice),
		Lender:         common.HexToAddress(bob),
		Nonce:          9,
		Principal:      uint256.NewInt(20),
		Deposit:        uint256.NewInt(60),
		OwedToken:      common.HexToAddress(owedTok),
		HeldToken:      common.HexToAddress(alice),
		InterestRate:   1_000_000,
		InterestPeriod: 3600,
		MaxDuration:    86400,
		CallTimeLimit:  600,
	}

	subject, data, err := ingestion.Encode(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if subject != "lender.cmd.positions.PositionOpened" {
		t.Fatalf("subject: got %s", subject)
	}

	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: subject, Data: data})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := evt.(*event.PositionOpened)
	if got.Key != "open-1" || got.Source != event.PartitionPositions || !got.Time().Equal(original.Time()) {
		t.Errorf("meta: got %+v, want %+v", got.Meta, original.Meta)
	}
	if got.Principal.Dec() != "20" || got.Deposit.Dec() != "60" || got.Nonce != 9 || got.CallTimeLimit != 600 {
		t.Errorf("fields not preserved: %+v", got)
	}
}

func TestIngestService_OrdersSubmissions(t *testing.T) {
	ch := make(chan ingestion.Submission, 4)
	svc := ingestion.NewIngestService(ch, event.PartitionAPI)

	rejected := errors.New("rejected")
	go func() {
		for i := 0; i < 2; i++ {
			sub := <-ch
			if i == 1 {
				sub.Result <- rejected
				continue
			}
			sub.Result <- nil
		}
	}()

	ctx := context.Background()
	if err := svc.SubmitRebalance(ctx, ""); err != nil {
		t.Fatalf("first submission: %v", err)
	}
	err := svc.SubmitDeposit(ctx, "dep", common.HexToAddress(alice), common.HexToAddress(alice), uint256.NewInt(1))
	if !errors.Is(err, rejected) {
		t.Fatalf("expected core verdict, got %v", err)
	}
	if err := svc.SubmitDeposit(ctx, "dep", common.HexToAddress(alice), common.HexToAddress(alice), new(uint256.Int)); err == nil {
		t.Fatal("zero deposit accepted")
	}
}

func TestIngestService_HonoursContext(t *testing.T) {
	svc := ingestion.NewIngestService(make(chan ingestion.Submission), event.PartitionAPI)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := svc.SubmitRebalance(ctx, "r"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
