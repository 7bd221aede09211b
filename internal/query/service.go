package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"BucketLender/internal/projection"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the requested row does not exist in the projections.
var ErrNotFound = errors.New("not found")

// ratioPlaces bounds the precision of computed ratios.
const ratioPlaces = 18

// QueryService provides read-only access to projection tables. Every response
// carries as_of_sequence, the last command the projections reflect.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetLender returns the pool totals.
func (qs *QueryService) GetLender(ctx context.Context) (*LenderResponse, error) {
	var (
		r                            LenderResponse
		available, principal, repaid string
		owed, held                   string
		critical, current            int64
		stateHash                    []byte
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT available_total, principal_total, cached_repaid, critical_bucket, current_bucket,
		       was_force_closed, owed_balance, held_balance, state_hash, last_sequence
		FROM projections.lender_state WHERE id = 1
	`).Scan(&available, &principal, &repaid, &critical, &current,
		&r.WasForceClosed, &owed, &held, &stateHash, &r.AsOfSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a, err := decimal.NewFromString(available)
	if err != nil {
		return nil, fmt.Errorf("available_total: %w", err)
	}
	p, err := decimal.NewFromString(principal)
	if err != nil {
		return nil, fmt.Errorf("principal_total: %w", err)
	}

	r.AvailableTotal = a.String()
	r.PrincipalTotal = p.String()
	r.CachedRepaid = repaid
	r.CriticalBucket = uint64(critical)
	r.CurrentBucket = uint64(current)
	r.OwedBalance = owed
	r.HeldBalance = held
	r.Utilization = ratio(p, a.Add(p)).String()
	r.StateHash = common.BytesToHash(stateHash).Hex()
	return &r, nil
}

// GetBucket returns one bucket.
func (qs *QueryService) GetBucket(ctx context.Context, bucket uint64) (*BucketResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	r := BucketResponse{Bucket: bucket, AsOfSequence: asOf}
	err = qs.db.QueryRowContext(ctx, `
		SELECT available::text, principal::text, total_weight::text
		FROM projections.buckets WHERE bucket = $1
	`, int64(bucket)).Scan(&r.Available, &r.Principal, &r.TotalWeight)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListBuckets returns every bucket holding funds or weight, oldest first.
func (qs *QueryService) ListBuckets(ctx context.Context) ([]BucketResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT bucket, available::text, principal::text, total_weight::text
		FROM projections.buckets
		WHERE available > 0 OR principal > 0 OR total_weight > 0
		ORDER BY bucket
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BucketResponse
	for rows.Next() {
		var b int64
		r := BucketResponse{AsOfSequence: asOf}
		if err := rows.Scan(&b, &r.Available, &r.Principal, &r.TotalWeight); err != nil {
			return nil, err
		}
		r.Bucket = uint64(b)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetAccountWeight returns account's weight in bucket with its pro-rata claim.
func (qs *QueryService) GetAccountWeight(ctx context.Context, bucket uint64, account common.Address) (*AccountWeightResponse, error) {
	weights, err := qs.accountWeights(ctx, `w.bucket = $1 AND w.account = $2`, int64(bucket), account.Hex())
	if err != nil {
		return nil, err
	}
	if len(weights) == 0 {
		return nil, ErrNotFound
	}
	return &weights[0], nil
}

// GetAccountWeights returns every bucket account holds weight in.
func (qs *QueryService) GetAccountWeights(ctx context.Context, account common.Address) ([]AccountWeightResponse, error) {
	return qs.accountWeights(ctx, `w.account = $1`, account.Hex())
}

func (qs *QueryService) accountWeights(ctx context.Context, where string, args ...interface{}) ([]AccountWeightResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT w.bucket, w.account, w.weight::text,
		       COALESCE(b.total_weight, 0)::text, COALESCE(b.available, 0)::text, COALESCE(b.principal, 0)::text
		FROM projections.account_weights w
		LEFT JOIN projections.buckets b ON b.bucket = w.bucket
		WHERE `+where+`
		ORDER BY w.bucket
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountWeightResponse
	for rows.Next() {
		var (
			bucket                             int64
			account, weight, total, avail, prn string
		)
		if err := rows.Scan(&bucket, &account, &weight, &total, &avail, &prn); err != nil {
			return nil, err
		}
		r, err := proRata(uint64(bucket), account, weight, total, avail, prn)
		if err != nil {
			return nil, err
		}
		r.AsOfSequence = asOf
		out = append(out, r)
	}
	return out, rows.Err()
}

// proRata splits a bucket's funds by weight share. Shares round down, as a
// withdrawal does.
func proRata(bucket uint64, account, weight, total, available, principal string) (AccountWeightResponse, error) {
	var errs []string
	parse := func(field, s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s %q: %v", field, s, err))
		}
		return d
	}
	w := parse("weight", weight)
	t := parse("total_weight", total)
	a := parse("available", available)
	p := parse("principal", principal)
	if len(errs) > 0 {
		return AccountWeightResponse{}, fmt.Errorf("bucket %d: %s", bucket, strings.Join(errs, "; "))
	}

	r := AccountWeightResponse{
		Bucket:         bucket,
		Account:        account,
		Weight:         w.String(),
		Share:          ratio(w, t).String(),
		ProRataOwed:    "0",
		ProRataPending: "0",
	}
	if t.IsPositive() {
		r.ProRataOwed = a.Mul(w).Div(t).Floor().String()
		r.ProRataPending = p.Mul(w).Div(t).Floor().String()
	}
	return r, nil
}

func ratio(num, den decimal.Decimal) decimal.Decimal {
	if !den.IsPositive() {
		return decimal.Zero
	}
	return num.DivRound(den, ratioPlaces)
}

// GetWithdrawals returns account's withdrawals, newest first. before, when
// non-zero, pages to sequences strictly below it.
func (qs *QueryService) GetWithdrawals(ctx context.Context, account common.Address, limit int, before int64) ([]WithdrawalResponse, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT sequence, account, bucket, weight::text, owed_paid::text, held_paid::text, timestamp
		FROM projections.withdrawals
		WHERE account = $1`
	args := []interface{}{account.Hex()}
	if before > 0 {
		query += ` AND sequence < $2 ORDER BY sequence DESC, ordinal LIMIT $3`
		args = append(args, before, limit)
	} else {
		query += ` ORDER BY sequence DESC, ordinal LIMIT $2`
		args = append(args, limit)
	}

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WithdrawalResponse
	for rows.Next() {
		var w WithdrawalResponse
		var bucket int64
		if err := rows.Scan(&w.Sequence, &w.Account, &bucket, &w.Weight, &w.OwedPaid, &w.HeldPaid, &w.Timestamp); err != nil {
			return nil, err
		}
		w.Bucket = uint64(bucket)
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and that no holder account
// nets below zero across the journal.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	var latest sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(sequence) FROM event_log.events
	`).Scan(&report.EventCount, &latest); err != nil {
		return nil, err
	}
	if latest.Valid {
		watermark, err := qs.getWatermark(ctx)
		if err != nil {
			return nil, err
		}
		report.ProjectionLag = latest.Int64 - watermark
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT account, token, SUM(delta)::text FROM (
			SELECT debit_account AS account, token, amount AS delta FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account, token, -amount AS delta FROM event_log.journal
		) moves
		WHERE account LIKE 'holder:%'
		GROUP BY account, token
		HAVING SUM(delta) < 0
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var n NegativeAccount
		if err := balanceRows.Scan(&n.Account, &n.Token, &n.Balance); err != nil {
			return nil, err
		}
		report.NegativeAccounts = append(report.NegativeAccounts, n)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	breakAt, err := qs.replayJournals(ctx)
	if err != nil {
		return nil, err
	}
	if breakAt >= 0 {
		report.JournalReplayBreak = &breakAt
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeAccounts) == 0 && report.JournalReplayBreak == nil
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection = $1
	`, projection.Name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
