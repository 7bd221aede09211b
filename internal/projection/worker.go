package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"BucketLender/internal/core"
	"BucketLender/internal/lender"
	"BucketLender/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Name is the projection's watermark key.
const Name = "lender"

// ProjectionWorker updates projection tables from applied commands.
// The core sends on the projection channel without blocking and drops when it
// is full, so the tables may fall behind; Rebuild restores them from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if pw.lastSeq >= 0 && seq != pw.lastSeq+1 {
				pw.logger.Warn().
					Int64("expected", pw.lastSeq+1).
					Int64("got", seq).
					Msg("projection skipped commands; rebuild to catch up")
			}

			start := time.Now()
			if err := pw.apply(ctx, output); err != nil {
				// Projections are eventually consistent and can be rebuilt.
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(Name).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, out core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := out.Envelope.Sequence
	for i, ch := range out.Changes {
		if bucketScoped(ch.Kind) {
			if err := upsertBucket(ctx, tx, seq, ch); err != nil {
				return fmt.Errorf("bucket %d: %w", ch.Bucket, err)
			}
		}
		if ch.Account != (common.Address{}) {
			if err := upsertAccountWeight(ctx, tx, seq, ch); err != nil {
				return fmt.Errorf("account weight: %w", err)
			}
		}
		if ch.Kind == lender.ChangeWithdraw {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.withdrawals
					(sequence, ordinal, account, bucket, weight, owed_paid, held_paid, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (sequence, ordinal) DO NOTHING
			`, seq, i, ch.Account.Hex(), int64(ch.Bucket), ch.Weight.Dec(), ch.Amount.Dec(), ch.Held.Dec(),
				out.Envelope.Timestamp); err != nil {
				return fmt.Errorf("withdrawal: %w", err)
			}
		}
	}

	s := out.Summary
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.lender_state
			(id, available_total, principal_total, cached_repaid, critical_bucket, current_bucket,
			 was_force_closed, owed_balance, held_balance, state_hash, last_sequence, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			available_total = EXCLUDED.available_total,
			principal_total = EXCLUDED.principal_total,
			cached_repaid = EXCLUDED.cached_repaid,
			critical_bucket = EXCLUDED.critical_bucket,
			current_bucket = EXCLUDED.current_bucket,
			was_force_closed = EXCLUDED.was_force_closed,
			owed_balance = EXCLUDED.owed_balance,
			held_balance = EXCLUDED.held_balance,
			state_hash = EXCLUDED.state_hash,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.lender_state.last_sequence < EXCLUDED.last_sequence
	`, s.AvailableTotal.Dec(), s.PrincipalTotal.Dec(), s.CachedRepaid.Dec(),
		int64(s.CriticalBucket), int64(s.CurrentBucket), s.WasForceClosed,
		s.OwedBalance.Dec(), s.HeldBalance.Dec(), out.Envelope.StateHash[:], seq); err != nil {
		return fmt.Errorf("lender state: %w", err)
	}

	if err := setWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

// bucketScoped reports whether a change carries the state of its bucket.
func bucketScoped(k lender.ChangeKind) bool {
	switch k {
	case lender.ChangeCriticalBucket, lender.ChangeRepaidCached, lender.ChangeForceClosed:
		return false
	}
	return true
}

func upsertBucket(ctx context.Context, tx *sql.Tx, seq int64, ch lender.Change) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.buckets (bucket, available, principal, total_weight, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (bucket) DO UPDATE SET
			available = EXCLUDED.available,
			principal = EXCLUDED.principal,
			total_weight = EXCLUDED.total_weight,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.buckets.last_sequence <= EXCLUDED.last_sequence
	`, int64(ch.Bucket), ch.BucketAvailable.Dec(), ch.BucketPrincipal.Dec(), ch.BucketWeight.Dec(), seq)
	return err
}

func upsertAccountWeight(ctx context.Context, tx *sql.Tx, seq int64, ch lender.Change) error {
	if ch.AccountWeight.IsZero() {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.account_weights
			WHERE bucket = $1 AND account = $2 AND last_sequence <= $3
		`, int64(ch.Bucket), ch.Account.Hex(), seq)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_weights (bucket, account, weight, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bucket, account) DO UPDATE SET
			weight = EXCLUDED.weight,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.account_weights.last_sequence <= EXCLUDED.last_sequence
	`, int64(ch.Bucket), ch.Account.Hex(), ch.AccountWeight.Dec(), seq)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func setWatermark(ctx context.Context, tx execer, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
		WHERE projections.watermark.last_sequence < EXCLUDED.last_sequence
	`, Name, seq)
	return err
}

// Rebuild recomputes every projection table from event_log.bucket_changes.
// The lender_state row is left to the next applied command.
func Rebuild(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []struct {
		name string
		sql  string
	}{
		{"truncate", `TRUNCATE projections.buckets, projections.account_weights, projections.withdrawals`},
		{"buckets", `
			INSERT INTO projections.buckets (bucket, available, principal, total_weight, last_sequence)
			SELECT DISTINCT ON (bucket) bucket, bucket_available, bucket_principal, bucket_weight, sequence
			FROM event_log.bucket_changes
			WHERE kind NOT IN ('critical_bucket', 'repaid_cached', 'force_closed')
			ORDER BY bucket, sequence DESC, ordinal DESC`},
		{"account_weights", `
			INSERT INTO projections.account_weights (bucket, account, weight, last_sequence)
			SELECT bucket, account, account_weight, sequence FROM (
				SELECT DISTINCT ON (bucket, account) bucket, account, account_weight, sequence
				FROM event_log.bucket_changes
				WHERE account IS NOT NULL
				ORDER BY bucket, account, sequence DESC, ordinal DESC
			) latest
			WHERE account_weight > 0`},
		{"withdrawals", `
			INSERT INTO projections.withdrawals (sequence, ordinal, account, bucket, weight, owed_paid, held_paid, timestamp)
			SELECT c.sequence, c.ordinal, c.account, c.bucket, c.weight, c.amount, c.held, e.timestamp
			FROM event_log.bucket_changes c
			JOIN event_log.events e ON e.sequence = c.sequence
			WHERE c.kind = 'withdraw'`},
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.sql); err != nil {
			return fmt.Errorf("rebuild %s: %w", s.name, err)
		}
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&last); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}
	if last.Valid {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (projection, last_sequence, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (projection) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
		`, Name, last.Int64); err != nil {
			return fmt.Errorf("rebuild watermark: %w", err)
		}
	}
	return tx.Commit()
}
