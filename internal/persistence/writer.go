package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"BucketLender/internal/core"
	"BucketLender/internal/ingestion"
	"BucketLender/internal/lender"

	"github.com/ethereum/go-ethereum/common"
)

// Postgres caps a statement at 65535 bind parameters.
const maxBindParams = 65535

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events, journals and bucket changes using multi-row INSERTs.
// Every write is idempotent on its primary key so a retried flush is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	SourceSequence int64
	Payload        []byte // encoder output, re-parsed on replay
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal. Amounts are decimal strings.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	Ordinal       int
	DebitAccount  string
	CreditAccount string
	Token         string
	Amount        string
	JournalType   string
	TimestampUs   int64
}

// ChangeRow represents a row in event_log.bucket_changes
type ChangeRow struct {
	Sequence        int64
	Ordinal         int
	Kind            string
	Bucket          uint64
	Account         *string
	Amount          string
	Held            string
	Weight          string
	BucketAvailable string
	BucketPrincipal string
	BucketWeight    string
	AccountWeight   string
	AvailableTotal  string
	PrincipalTotal  string
	CachedRepaid    string
	CriticalBucket  uint64
}

// Record is everything one applied command contributes to the event log.
type Record struct {
	Event    EventRow
	Journals []JournalRow
	Changes  []ChangeRow
}

// RecordFromOutput converts a core output into storable rows.
func RecordFromOutput(out core.CoreOutput) (Record, error) {
	env := out.Envelope
	_, payload, err := ingestion.Encode(out.Event)
	if err != nil {
		return Record{}, fmt.Errorf("encode sequence %d: %w", env.Sequence, err)
	}

	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Partition:      env.Partition,
			SourceSequence: env.SourceSequence,
			Payload:        payload,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
		},
	}

	if out.Batch != nil {
		for i, j := range out.Batch.Journals {
			rec.Journals = append(rec.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				Ordinal:       i,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Token:         j.Token.Hex(),
				Amount:        j.Amount.Dec(),
				JournalType:   j.JournalType.String(),
				TimestampUs:   j.Timestamp,
			})
		}
	}

	for i, ch := range out.Changes {
		rec.Changes = append(rec.Changes, changeRow(env.Sequence, i, ch))
	}
	return rec, nil
}

func changeRow(seq int64, ordinal int, ch lender.Change) ChangeRow {
	row := ChangeRow{
		Sequence:        seq,
		Ordinal:         ordinal,
		Kind:            ch.Kind.String(),
		Bucket:          ch.Bucket,
		Amount:          ch.Amount.Dec(),
		Held:            ch.Held.Dec(),
		Weight:          ch.Weight.Dec(),
		BucketAvailable: ch.BucketAvailable.Dec(),
		BucketPrincipal: ch.BucketPrincipal.Dec(),
		BucketWeight:    ch.BucketWeight.Dec(),
		AccountWeight:   ch.AccountWeight.Dec(),
		AvailableTotal:  ch.AvailableTotal.Dec(),
		PrincipalTotal:  ch.PrincipalTotal.Dec(),
		CachedRepaid:    ch.CachedRepaid.Dec(),
		CriticalBucket:  ch.CriticalBucket,
	}
	if ch.Account != (common.Address{}) {
		acct := ch.Account.Hex()
		row.Account = &acct
	}
	return row
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.Sequence, e.EventType, e.IdempotencyKey, e.Partition, e.SourceSequence,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		})
	}
	return insertRows(ctx, tx,
		`INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, partition, source_sequence, payload, state_hash, prev_hash, timestamp)
		VALUES `,
		" ON CONFLICT (sequence) DO NOTHING", rows)
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx execer, journals []JournalRow) error {
	rows := make([][]interface{}, 0, len(journals))
	for _, j := range journals {
		rows = append(rows, []interface{}{
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.Ordinal, j.DebitAccount,
			j.CreditAccount, j.Token, j.Amount, j.JournalType, j.TimestampUs,
		})
	}
	return insertRows(ctx, tx,
		`INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, ordinal, debit_account, credit_account, token, amount, journal_type, timestamp_us)
		VALUES `,
		" ON CONFLICT (journal_id) DO NOTHING", rows)
}

// WriteChangeBatch writes bucket changes to event_log.bucket_changes.
func (w *EventLogWriter) WriteChangeBatch(ctx context.Context, tx execer, changes []ChangeRow) error {
	rows := make([][]interface{}, 0, len(changes))
	for _, c := range changes {
		rows = append(rows, []interface{}{
			c.Sequence, c.Ordinal, c.Kind, int64(c.Bucket), c.Account, c.Amount, c.Held, c.Weight,
			c.BucketAvailable, c.BucketPrincipal, c.BucketWeight, c.AccountWeight,
			c.AvailableTotal, c.PrincipalTotal, c.CachedRepaid, int64(c.CriticalBucket),
		})
	}
	return insertRows(ctx, tx,
		`INSERT INTO event_log.bucket_changes
		(sequence, ordinal, kind, bucket, account, amount, held, weight,
		 bucket_available, bucket_principal, bucket_weight, account_weight,
		 available_total, principal_total, cached_repaid, critical_bucket)
		VALUES `,
		" ON CONFLICT (sequence, ordinal) DO NOTHING", rows)
}

// insertRows builds multi-row INSERT statements, splitting so no statement
// exceeds the bind parameter limit.
func insertRows(ctx context.Context, tx execer, prefix, suffix string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	width := len(rows[0])
	perStmt := maxBindParams / width

	for start := 0; start < len(rows); start += perStmt {
		end := start + perStmt
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*width)
		for i, r := range chunk {
			placeholders := make([]string, width)
			for k := range placeholders {
				placeholders[k] = fmt.Sprintf("$%d", i*width+k+1)
			}
			values = append(values, "("+strings.Join(placeholders, ", ")+")")
			args = append(args, r...)
		}

		if _, err := tx.ExecContext(ctx, prefix+strings.Join(values, ", ")+suffix, args...); err != nil {
			return err
		}
	}
	return nil
}
