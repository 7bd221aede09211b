// internal/state/position.go
package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionStatus tracks the lifecycle of a margin position
type PositionStatus int32

const (
	PositionStatusOpen PositionStatus = iota
	PositionStatusMarginCalled
	PositionStatusClosed
	PositionStatusForceClosed
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusOpen:
		return "Open"
	case PositionStatusMarginCalled:
		return "MarginCalled"
	case PositionStatusClosed:
		return "Closed"
	case PositionStatusForceClosed:
		return "ForceClosed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusOpen: {
			PositionStatusOpen, // partial close, increase
			PositionStatusMarginCalled,
			PositionStatusClosed,
			PositionStatusForceClosed, // max duration elapsed
		},
		PositionStatusMarginCalled: {
			PositionStatusMarginCalled,
			PositionStatusOpen, // call canceled or covered
			PositionStatusClosed,
			PositionStatusForceClosed,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// IsClosed reports whether the position reached a terminal state
func (s PositionStatus) IsClosed() bool {
	return s == PositionStatusClosed || s == PositionStatusForceClosed
}

// LoanTerms are the immutable terms a position is opened with
type LoanTerms struct {
	OwedToken      common.Address
	HeldToken      common.Address
	MaxDuration    uint32 // seconds
	CallTimeLimit  uint32 // seconds
	InterestRate   uint32 // annual, 1e6 == 1%
	InterestPeriod uint32 // seconds
}

// Position is a single collateralized loan
type Position struct {
	ID              common.Hash
	Owner           common.Address // trader
	Lender          common.Address // loan owner
	Terms           LoanTerms
	Principal       uint256.Int // owed-token principal outstanding
	HeldBalance     uint256.Int // held-token collateral in the vault
	TotalRepaid     uint256.Int // owed token paid to the lender over the position's life
	StartTimestamp  uint64
	CallTimestamp   uint64 // zero unless margin-called
	RequiredDeposit uint256.Int
	Status          PositionStatus
	Version         int64
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 320)

	buf = append(buf, p.ID[:]...)
	buf = append(buf, p.Owner[:]...)
	buf = append(buf, p.Lender[:]...)
	buf = append(buf, p.Terms.OwedToken[:]...)
	buf = append(buf, p.Terms.HeldToken[:]...)
	buf = appendUint32LE(buf, p.Terms.MaxDuration)
	buf = appendUint32LE(buf, p.Terms.CallTimeLimit)
	buf = appendUint32LE(buf, p.Terms.InterestRate)
	buf = appendUint32LE(buf, p.Terms.InterestPeriod)

	buf = appendUint256(buf, &p.Principal)
	buf = appendUint256(buf, &p.HeldBalance)
	buf = appendUint256(buf, &p.TotalRepaid)
	buf = appendUint64LE(buf, p.StartTimestamp)
	buf = appendUint64LE(buf, p.CallTimestamp)
	buf = appendUint256(buf, &p.RequiredDeposit)

	buf = append(buf, byte(p.Status))

	return buf
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

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
