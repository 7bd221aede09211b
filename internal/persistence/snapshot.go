package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"BucketLender/internal/core"
	"BucketLender/internal/event"
	"BucketLender/internal/ingestion"
	"BucketLender/internal/ledger"
	"BucketLender/internal/lender"
	"BucketLender/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SnapshotFormatVersion identifies the JSON layout of SnapshotData.
const SnapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON form of core.SnapshotState. Amounts are decimal strings.
type SnapshotData struct {
	Sequence        int64              `json:"sequence"`
	StateHash       common.Hash        `json:"state_hash"`
	LastTimestampUs int64              `json:"last_timestamp_us"`
	Balances        []BalanceSnapshot  `json:"balances"`
	Supply          []SupplySnapshot   `json:"supply"`
	Positions       []PositionSnapshot `json:"positions"`
	Lender          lender.State       `json:"lender"`
	SequenceState   map[string]int64   `json:"sequence_state"`
	IdempotencyKeys []string           `json:"idempotency_keys"`
	CreatedAt       time.Time          `json:"created_at"`
}

type BalanceSnapshot struct {
	Holder common.Address `json:"holder"`
	Token  common.Address `json:"token"`
	Amount string         `json:"amount"`
}

type SupplySnapshot struct {
	Token  common.Address `json:"token"`
	Amount string         `json:"amount"`
}

// PositionSnapshot is a serializable position.
type PositionSnapshot struct {
	ID              common.Hash    `json:"id"`
	Owner           common.Address `json:"owner"`
	Lender          common.Address `json:"lender"`
	OwedToken       common.Address `json:"owed_token"`
	HeldToken       common.Address `json:"held_token"`
	MaxDuration     uint32         `json:"max_duration"`
	CallTimeLimit   uint32         `json:"call_time_limit"`
	InterestRate    uint32         `json:"interest_rate"`
	InterestPeriod  uint32         `json:"interest_period"`
	Principal       string         `json:"principal"`
	HeldBalance     string         `json:"held_balance"`
	TotalRepaid     string         `json:"total_repaid"`
	StartTimestamp  uint64         `json:"start_timestamp"`
	CallTimestamp   uint64         `json:"call_timestamp"`
	RequiredDeposit string         `json:"required_deposit"`
	Status          int32          `json:"status"`
	Version         int64          `json:"version"`
}

// StoredEvent is one event log row decoded for replay.
type StoredEvent struct {
	Envelope *event.EventEnvelope
	Event    event.Event
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// NewSnapshotData converts core state into its stored form.
func NewSnapshotData(s *core.SnapshotState) *SnapshotData {
	d := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       common.Hash(s.StateHash),
		LastTimestampUs: s.LastTimestamp.UnixMicro(),
		Lender:          s.Lender,
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
	if s.LastTimestamp.IsZero() {
		d.LastTimestampUs = 0
	}
	for key, amt := range s.Balances {
		if key.Scope != ledger.AccountScopeHolder {
			continue
		}
		d.Balances = append(d.Balances, BalanceSnapshot{Holder: key.Holder, Token: key.Token, Amount: amt.Dec()})
	}
	for token, amt := range s.Supply {
		d.Supply = append(d.Supply, SupplySnapshot{Token: token, Amount: amt.Dec()})
	}
	for _, p := range s.Positions {
		d.Positions = append(d.Positions, PositionSnapshot{
			ID:              p.ID,
			Owner:           p.Owner,
			Lender:          p.Lender,
			OwedToken:       p.Terms.OwedToken,
			HeldToken:       p.Terms.HeldToken,
			MaxDuration:     p.Terms.MaxDuration,
			CallTimeLimit:   p.Terms.CallTimeLimit,
			InterestRate:    p.Terms.InterestRate,
			InterestPeriod:  p.Terms.InterestPeriod,
			Principal:       p.Principal.Dec(),
			HeldBalance:     p.HeldBalance.Dec(),
			TotalRepaid:     p.TotalRepaid.Dec(),
			StartTimestamp:  p.StartTimestamp,
			CallTimestamp:   p.CallTimestamp,
			RequiredDeposit: p.RequiredDeposit.Dec(),
			Status:          int32(p.Status),
			Version:         p.Version,
		})
	}
	return d
}

// State converts stored data back into core state.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	var err error
	parse := func(field, v string) uint256.Int {
		if err != nil {
			return uint256.Int{}
		}
		x, perr := uint256.FromDecimal(v)
		if perr != nil {
			err = fmt.Errorf("snapshot %s %q: %w", field, v, perr)
			return uint256.Int{}
		}
		return *x
	}

	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		StateHash:       d.StateHash,
		Balances:        make(map[ledger.AccountKey]uint256.Int, len(d.Balances)),
		Supply:          make(map[common.Address]uint256.Int, len(d.Supply)),
		Lender:          d.Lender,
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	if d.LastTimestampUs != 0 {
		s.LastTimestamp = time.UnixMicro(d.LastTimestampUs).UTC()
	}
	for _, b := range d.Balances {
		s.Balances[ledger.NewHolderAccountKey(b.Holder, b.Token)] = parse("balance", b.Amount)
	}
	for _, sp := range d.Supply {
		s.Supply[sp.Token] = parse("supply", sp.Amount)
	}
	for _, p := range d.Positions {
		s.Positions = append(s.Positions, state.Position{
			ID:     p.ID,
			Owner:  p.Owner,
			Lender: p.Lender,
			Terms: state.LoanTerms{
				OwedToken:      p.OwedToken,
				HeldToken:      p.HeldToken,
				MaxDuration:    p.MaxDuration,
				CallTimeLimit:  p.CallTimeLimit,
				InterestRate:   p.InterestRate,
				InterestPeriod: p.InterestPeriod,
			},
			Principal:       parse("principal", p.Principal),
			HeldBalance:     parse("held_balance", p.HeldBalance),
			TotalRepaid:     parse("total_repaid", p.TotalRepaid),
			StartTimestamp:  p.StartTimestamp,
			CallTimestamp:   p.CallTimestamp,
			RequiredDeposit: parse("required_deposit", p.RequiredDeposit),
			Status:          state.PositionStatus(p.Status),
			Version:         p.Version,
		})
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SaveSnapshot persists a snapshot and returns its encoded size. A snapshot is
// written unverified; MarkVerified promotes it once it has been checked.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash.Bytes(), SnapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// MarkVerified marks a snapshot as verified once its state hash matches the
// event log row at the same sequence.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.events e
		WHERE s.sequence = $1 AND e.sequence = s.sequence AND e.state_hash = s.state_hash
	`, sequence)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("snapshot %d does not match the event log", sequence)
	}
	return nil
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns nil, nil
// when none exists.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	var version int
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != SnapshotFormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format %d", version)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom loads up to limit events starting at fromSequence and parses
// their payloads back into commands.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]StoredEvent, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, partition, source_sequence,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			e                   EventRow
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Partition, &e.SourceSequence,
			&e.Payload, &stateHash, &prevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}

		et := event.ParseEventType(e.EventType)
		if et == event.EventTypeUnknown {
			return nil, fmt.Errorf("sequence %d: unknown event type %q", e.Sequence, e.EventType)
		}
		evt, err := ingestion.Parse(e.Partition, et, e.Payload)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", e.Sequence, err)
		}

		env := &event.EventEnvelope{
			Sequence:       e.Sequence,
			IdempotencyKey: e.IdempotencyKey,
			EventType:      et,
			Partition:      e.Partition,
			Timestamp:      e.Timestamp,
			SourceSequence: e.SourceSequence,
		}
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		out = append(out, StoredEvent{Envelope: env, Event: evt})
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
