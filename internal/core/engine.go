package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"BucketLender/internal/event"
	"BucketLender/internal/ledger"
	"BucketLender/internal/lender"
	lmath "BucketLender/internal/math"
	"BucketLender/internal/observability"
	"BucketLender/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// supplyCheckInterval is how often (in sequences) token supply conservation is verified.
const supplyCheckInterval = 1000

var (
	// ErrRejected marks a command refused by validation or business rules. State is unchanged.
	ErrRejected = errors.New("command rejected")

	ErrTimestampRegression = errors.New("timestamp regression")
	ErrHashMismatch        = errors.New("replayed state hash mismatch")
)

// RejectionError carries the reason a command was refused.
type RejectionError struct {
	EventType string
	Key       string
	Reason    string
	Err       error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s %s rejected (%s): %v", e.EventType, e.Key, e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

func (e *RejectionError) Is(target error) bool { return target == ErrRejected }

// Retryable reports whether redelivering the command later may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrSequenceGap)
}

// DeterministicCore is the single-threaded command processor. It owns the token
// ledger, the position manager and the bucket lender.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	positionManager   *state.PositionManager
	lender            *lender.BucketLedger
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	now           time.Time // timestamp of the command being applied
	lastTimestamp time.Time

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// LenderSummary is the pool-level state after a command.
type LenderSummary struct {
	AvailableTotal uint256.Int
	PrincipalTotal uint256.Int
	CachedRepaid   uint256.Int
	CriticalBucket uint64
	CurrentBucket  uint64
	WasForceClosed bool
	OwedBalance    uint256.Int
	HeldBalance    uint256.Int
}

type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	Batch    *ledger.Batch // nil when no tokens moved
	Changes  []lender.Change
	Summary  LenderSummary
}

// Config wires a DeterministicCore.
type Config struct {
	StartSequence int64
	Lender        lender.Config
	Vault         common.Address       // holds the collateral of every position
	Oracle        lmath.InterestOracle // defaults to CompoundOracle
	LRUCapacity   int
	DBChecker     DBIdempotencyChecker
	Metrics       *observability.Metrics
	Logger        *zerolog.Logger

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

func NewDeterministicCore(cfg Config) (*DeterministicCore, error) {
	if cfg.Oracle == nil {
		cfg.Oracle = lmath.CompoundOracle{}
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1_000_000
	}
	if cfg.Vault == (common.Address{}) || cfg.Vault == cfg.Lender.Self {
		return nil, fmt.Errorf("vault address must be set and differ from the lender")
	}
	logger := observability.NewLogger("core")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	tracker := ledger.NewBalanceTracker()
	pm := state.NewPositionManager(cfg.Vault, tracker, cfg.Oracle)

	c := &DeterministicCore{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    tracker,
		validator:         ledger.NewInvariantValidator(tracker),
		positionManager:   pm,
		idempotency:       NewIdempotencyChecker(cfg.LRUCapacity, cfg.DBChecker),
		sequenceValidator: NewSequenceValidator(event.PartitionAdmin, event.PartitionAPI),
		metrics:           cfg.Metrics,
		logger:            logger,
		persistChan:       cfg.PersistChan,
		projectionChan:    cfg.ProjectionChan,
	}

	l, err := lender.New(cfg.Lender, pm, tracker, cfg.Oracle, lender.ClockFunc(func() time.Time { return c.now }))
	if err != nil {
		return nil, fmt.Errorf("build lender: %w", err)
	}
	pm.RegisterLoanOwner(cfg.Lender.Self, l)
	c.lender = l
	return c, nil
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	_, err := c.process(evt, false)
	return err
}

// ReplayEvent re-applies a command read back from the event log during recovery.
// Dedup and strict ordering are skipped; the recomputed hash must match env.
func (c *DeterministicCore) ReplayEvent(env *event.EventEnvelope, evt event.Event) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("replay out of order: log sequence %d, core at %d", env.Sequence, c.sequence)
	}
	out, err := c.process(evt, true)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if out.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("%w at seq %d: log %x, recomputed %x", ErrHashMismatch, env.Sequence, env.StateHash, out.Envelope.StateHash)
	}
	return nil
}

// EndReplay switches the core to live processing after the event log was replayed.
func (c *DeterministicCore) EndReplay() {
	c.sequenceValidator.Resync()
}

func (c *DeterministicCore) process(evt event.Event, replay bool) (*CoreOutput, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()
	partition := evt.Partition()

	if key == "" {
		return nil, c.reject(eventType, key, "invalid", fmt.Errorf("missing idempotency key"))
	}

	// Step 1-2: Idempotency and sequence validation
	if replay {
		c.sequenceValidator.Observe(partition, evt.SourceSequence())
	} else {
		isDuplicate, tier := c.idempotency.IsDuplicate(eventType, key)
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
			if c.metrics != nil {
				if errors.Is(err, ErrSequenceGap) {
					c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
				} else {
					c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
				}
			}
			return nil, c.reject(eventType, key, "sequence", err)
		}
		if isDuplicate {
			if c.metrics != nil {
				c.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
				c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
			}
			return nil, nil
		}
	}

	// Step 3: Versioned time. The core never reads the wall clock for state.
	ts := evt.Time()
	if !ts.IsZero() {
		// Log and snapshots carry microsecond precision.
		ts = time.UnixMicro(ts.UnixMicro())
	}
	if ts.IsZero() || ts.Before(c.lastTimestamp) {
		c.idempotency.MarkProcessed(eventType, key)
		return nil, c.reject(eventType, key, "timestamp",
			fmt.Errorf("%w: %s before %s", ErrTimestampRegression, ts.Format(time.RFC3339Nano), c.lastTimestamp.Format(time.RFC3339Nano)))
	}
	c.now = ts

	// Step 4: Dispatch inside a restore point spanning all three ledgers
	c.balanceTracker.Begin(key, c.sequence, ts.UnixMicro(), defaultJournalType(evt))
	positions := c.positionManager.Checkpoint()
	cp := c.lender.Begin()

	if err := c.dispatchEvent(evt); err != nil {
		c.lender.End(cp, true)
		c.positionManager.Restore(positions)
		c.balanceTracker.Rollback()
		c.idempotency.MarkProcessed(eventType, key)
		return nil, c.reject(eventType, key, rejectReason(err), err)
	}
	c.lender.End(cp, false)
	c.lastTimestamp = ts

	batch := c.balanceTracker.Drain()
	changes := c.lender.DrainChanges()

	// Step 5: Post-checks. A violation means the ledgers disagree; nothing after it can be trusted.
	if batch != nil {
		if err := c.validator.ValidateBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch for %s: %v", key, err))
		}
	}
	if err := c.lender.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", key, err))
	}
	if c.sequence > 0 && c.sequence%supplyCheckInterval == 0 {
		if err := c.validator.ValidateSupplyConservation(); err != nil {
			panic(fmt.Sprintf("FATAL: supply conservation at seq %d: %v", c.sequence, err))
		}
	}

	// Step 6: Digest and hash chain
	prevHash := c.hasher.GetPrevHash()
	digest := c.computeStateDigest(evt, batch, changes)
	stateHash := c.hasher.ComputeHash(c.sequence, digest)

	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: key,
			EventType:      evt.EventType(),
			Partition:      partition,
			Timestamp:      ts,
			SourceSequence: evt.SourceSequence(),
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Event:   evt,
		Batch:   batch,
		Changes: changes,
		Summary: c.Summary(),
	}
	c.sequence++

	// Step 7: Emit. Persistence blocks (backpressure); projections drop when full
	// and catch up from the event log.
	if !replay && c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("lender").Inc()
			}
		}
	}

	c.idempotency.MarkProcessed(eventType, key)
	c.recordApplied(eventType, start, &output)
	return &output, nil
}

func (c *DeterministicCore) reject(eventType, key, reason string, err error) error {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
	c.logger.Debug().Str("event_type", eventType).Str("key", key).Str("reason", reason).Err(err).Msg("command rejected")
	return &RejectionError{EventType: eventType, Key: key, Reason: reason, Err: err}
}

func (c *DeterministicCore) recordApplied(eventType string, start time.Time, out *CoreOutput) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for _, ch := range out.Changes {
		c.metrics.CoreBucketChanges.WithLabelValues(ch.Kind.String()).Inc()
	}
	c.metrics.LenderAvailable.Set(out.Summary.AvailableTotal.Float64())
	c.metrics.LenderPrincipal.Set(out.Summary.PrincipalTotal.Float64())
	c.metrics.LenderCriticalBucket.Set(float64(out.Summary.CriticalBucket))
	c.metrics.LenderCurrentBucket.Set(float64(out.Summary.CurrentBucket))
	if out.Summary.WasForceClosed {
		c.metrics.LenderForceClosed.Set(1)
	}
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, lender.ErrConfiguration), errors.Is(err, lender.ErrAuthorization),
		errors.Is(err, lender.ErrState), errors.Is(err, lender.ErrArithmetic):
		return lender.KindOf(err).String()
	case errors.Is(err, state.ErrUnauthorized):
		return "authorization"
	case errors.Is(err, state.ErrPositionNotFound), errors.Is(err, state.ErrPositionExists),
		errors.Is(err, state.ErrPositionClosed), errors.Is(err, state.ErrInvalidTransition):
		return "position"
	default:
		return "invalid"
	}
}

func defaultJournalType(evt event.Event) ledger.JournalType {
	switch evt.(type) {
	case *event.TokenIssued:
		return ledger.JournalTypeIssue
	case *event.LenderDeposit:
		return ledger.JournalTypeLenderDeposit
	case *event.LenderWithdraw:
		return ledger.JournalTypeLenderWithdrawal
	case *event.ExcessTokenSweep:
		return ledger.JournalTypeExcessSweep
	default:
		return ledger.JournalTypeTransfer
	}
}

// computeStateDigest creates canonical bytes over everything the command may have touched
func (c *DeterministicCore) computeStateDigest(evt event.Event, batch *ledger.Batch, changes []lender.Change) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96+256)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendUint256(digest, c.balanceTracker.GetBalance(key))
		if key.Scope == ledger.AccountScopeExternal {
			digest = appendUint256(digest, c.balanceTracker.Supply(key.Token))
		}
	}

	// Pool totals
	digest = appendUint256(digest, c.lender.AvailableTotal())
	digest = appendUint256(digest, c.lender.PrincipalTotal())
	digest = appendUint256(digest, c.lender.CachedRepaidAmount())
	digest = appendUint64LE(digest, c.lender.CriticalBucket())
	if c.lender.WasForceClosed() {
		digest = append(digest, 1)
	} else {
		digest = append(digest, 0)
	}

	// Touched buckets and account weights
	buckets := make(map[uint64]bool)
	type weightKey struct {
		bucket  uint64
		account common.Address
	}
	weights := make(map[weightKey]bool)
	for _, ch := range changes {
		buckets[ch.Bucket] = true
		if ch.Account != (common.Address{}) {
			weights[weightKey{ch.Bucket, ch.Account}] = true
		}
	}
	indices := make([]uint64, 0, len(buckets))
	for b := range buckets {
		indices = append(indices, b)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, b := range indices {
		digest = appendUint64LE(digest, b)
		digest = appendUint256(digest, c.lender.AvailableForBucket(b))
		digest = appendUint256(digest, c.lender.PrincipalForBucket(b))
		digest = appendUint256(digest, c.lender.WeightForBucket(b))
	}
	wkeys := make([]weightKey, 0, len(weights))
	for k := range weights {
		wkeys = append(wkeys, k)
	}
	sort.Slice(wkeys, func(i, j int) bool {
		if wkeys[i].bucket != wkeys[j].bucket {
			return wkeys[i].bucket < wkeys[j].bucket
		}
		return wkeys[i].account.Cmp(wkeys[j].account) < 0
	})
	for _, k := range wkeys {
		digest = appendUint64LE(digest, k.bucket)
		digest = append(digest, k.account[:]...)
		digest = appendUint256(digest, c.lender.WeightForBucketForAccount(k.bucket, k.account))
	}

	if id, ok := positionOf(evt); ok {
		if pos, found := c.positionManager.GetPosition(id); found {
			digest = append(digest, pos.CanonicalBytes()...)
		}
	}
	return digest
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func positionOf(evt event.Event) (common.Hash, bool) {
	switch e := evt.(type) {
	case *event.PositionOpened:
		return state.PositionIDFor(e.Opener, e.Nonce), true
	case *event.PositionIncreased:
		return e.PositionID, true
	case *event.PositionClosed:
		return e.PositionID, true
	case *event.CollateralDeposited:
		return e.PositionID, true
	case *event.MarginCallRequested:
		return e.PositionID, true
	case *event.MarginCallCanceled:
		return e.PositionID, true
	case *event.CollateralForceRecovered:
		return e.PositionID, true
	}
	return common.Hash{}, false
}

// Summary reports the pool-level state at the current command time.
func (c *DeterministicCore) Summary() LenderSummary {
	cfg := c.lender.Config()
	return LenderSummary{
		AvailableTotal: *c.lender.AvailableTotal(),
		PrincipalTotal: *c.lender.PrincipalTotal(),
		CachedRepaid:   *c.lender.CachedRepaidAmount(),
		CriticalBucket: c.lender.CriticalBucket(),
		CurrentBucket:  c.lender.CurrentBucket(),
		WasForceClosed: c.lender.WasForceClosed(),
		OwedBalance:    *c.balanceTracker.BalanceOf(cfg.OwedToken, cfg.Self),
		HeldBalance:    *c.balanceTracker.BalanceOf(cfg.HeldToken, cfg.Self),
	}
}

// Lender exposes the bucket ledger for read-only inspection on the core goroutine.
func (c *DeterministicCore) Lender() *lender.BucketLedger {
	return c.lender
}

func (c *DeterministicCore) Positions() *state.PositionManager {
	return c.positionManager
}

func (c *DeterministicCore) Balances() *ledger.BalanceTracker {
	return c.balanceTracker
}
