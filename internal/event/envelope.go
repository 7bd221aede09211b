package event

import (
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTokenIssued
	EventTypeTokenTransferred
	EventTypeLenderDeposit
	EventTypeLenderWithdraw
	EventTypeBucketsRebalance
	EventTypeExcessTokenSweep
	EventTypePositionOpened
	EventTypePositionIncreased
	EventTypePositionClosed
	EventTypeCollateralDeposited
	EventTypeMarginCallRequested
	EventTypeMarginCallCanceled
	EventTypeCollateralForceRecovered
)

// Partitions for sequence validation. Stream partitions require gapless source
// sequences; the admin and api partitions only require them to increase.
const (
	PartitionTokens    = "tokens"
	PartitionLender    = "lender"
	PartitionPositions = "positions"
	PartitionAdmin     = "admin"
	PartitionAPI       = "api"
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// Partition returns the sequence-validation partition
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Time is the versioned timestamp the command is applied at
	Time() time.Time
}

// Meta carries the fields shared by every command.
type Meta struct {
	Key       string
	Source    string // partition
	Sequence  int64
	Timestamp time.Time
}

func (m Meta) IdempotencyKey() string { return m.Key }

func (m Meta) Partition() string { return m.Source }

func (m Meta) SourceSequence() int64 { return m.Sequence }

func (m Meta) Time() time.Time { return m.Timestamp }

var eventTypeNames = map[EventType]string{
	EventTypeTokenIssued:              "TokenIssued",
	EventTypeTokenTransferred:         "TokenTransferred",
	EventTypeLenderDeposit:            "LenderDeposit",
	EventTypeLenderWithdraw:           "LenderWithdraw",
	EventTypeBucketsRebalance:         "BucketsRebalance",
	EventTypeExcessTokenSweep:         "ExcessTokenSweep",
	EventTypePositionOpened:           "PositionOpened",
	EventTypePositionIncreased:        "PositionIncreased",
	EventTypePositionClosed:           "PositionClosed",
	EventTypeCollateralDeposited:      "CollateralDeposited",
	EventTypeMarginCallRequested:      "MarginCallRequested",
	EventTypeMarginCallCanceled:       "MarginCallCanceled",
	EventTypeCollateralForceRecovered: "CollateralForceRecovered",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String; unknown names map to EventTypeUnknown.
func ParseEventType(name string) EventType {
	for et, n := range eventTypeNames {
		if n == name {
			return et
		}
	}
	return EventTypeUnknown
}

// AllEventTypes lists every known command type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypeNames))
	for et := EventTypeTokenIssued; et <= EventTypeCollateralForceRecovered; et++ {
		out = append(out, et)
	}
	return out
}
