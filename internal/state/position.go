// internal/state/position.go
package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type PositionID uint64

// PositionStatus tracks the lifecycle of a position. Increased and Decreased are transient:
// a position passes through them and back to Active inside a single call.
type PositionStatus int32

const (
	PositionStatusActive PositionStatus = iota
	PositionStatusIncreased
	PositionStatusDecreased
	PositionStatusClosed
	PositionStatusLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusActive:
		return "Active"
	case PositionStatusIncreased:
		return "Increased"
	case PositionStatusDecreased:
		return "Decreased"
	case PositionStatusClosed:
		return "Closed"
	case PositionStatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionStatusClosed || s == PositionStatusLiquidated
}

// CanTransitionTo validates state transitions
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusActive: {
			PositionStatusIncreased,
			PositionStatusDecreased,
			PositionStatusClosed,
			PositionStatusLiquidated,
		},
		PositionStatusIncreased: {
			PositionStatusActive,
		},
		PositionStatusDecreased: {
			PositionStatusActive,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

var ErrInvalidTransition = errors.New("position: invalid status transition")

// Funding is the spot-or-leveraged variant of a position. Only Spot and Leveraged implement it.
type Funding interface {
	isFunding()
}

// Spot positions carry no debt and belong to no pool.
type Spot struct {
	DepositAsset  string
	DepositAmount *uint256.Int
}

// Leveraged positions owe ScaledDebt to Pool.
type Leveraged struct {
	Pool                 string
	ScaledDebt           *uint256.Int
	DepositInSourceAsset *uint256.Int
}

func (Spot) isFunding()      {}
func (Leveraged) isFunding() {}

// Position is an open exposure to TargetAsset bought with SourceAsset.
// Prices are WAD, quoted as source per target.
type Position struct {
	ID                  PositionID
	Owner               uuid.UUID
	SourceAsset         string
	TargetAsset         string
	TargetAmount        *uint256.Int
	Funding             Funding
	OpenIndex           *uint256.Int // RAY; nil for spot
	EntryPrice          *uint256.Int
	Leverage            *uint256.Int
	CreatedAt           int64
	ConditionsUpdatedAt int64
	Conditions          []CloseCondition
	Status              PositionStatus
	Version             int64
	OracleRoute         string // route the position was opened with; prices its health
}

func (p *Position) IsSpot() bool {
	_, ok := p.Funding.(Spot)
	return ok
}

// Pool returns the lending pool name, empty for spot.
func (p *Position) Pool() string {
	if l, ok := p.Funding.(Leveraged); ok {
		return l.Pool
	}
	return ""
}

// ScaledDebt is zero for spot positions.
func (p *Position) ScaledDebt() *uint256.Int {
	if l, ok := p.Funding.(Leveraged); ok {
		return l.ScaledDebt.Clone()
	}
	return new(uint256.Int)
}

// DepositInSource is the collateral valued in the source asset.
func (p *Position) DepositInSource() *uint256.Int {
	switch f := p.Funding.(type) {
	case Leveraged:
		return f.DepositInSourceAsset.Clone()
	case Spot:
		return f.DepositAmount.Clone()
	}
	return new(uint256.Int)
}

// Transition moves the position to next, rejecting anything the lifecycle forbids.
func (p *Position) Transition(next PositionStatus) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (position %d)", ErrInvalidTransition, p.Status, next, p.ID)
	}
	p.Status = next
	p.Version++
	return nil
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.TargetAmount = p.TargetAmount.Clone()
	if p.OpenIndex != nil {
		c.OpenIndex = p.OpenIndex.Clone()
	}
	c.EntryPrice = p.EntryPrice.Clone()
	c.Leverage = p.Leverage.Clone()
	switch f := p.Funding.(type) {
	case Spot:
		c.Funding = Spot{DepositAsset: f.DepositAsset, DepositAmount: f.DepositAmount.Clone()}
	case Leveraged:
		c.Funding = Leveraged{Pool: f.Pool, ScaledDebt: f.ScaledDebt.Clone(), DepositInSourceAsset: f.DepositInSourceAsset.Clone()}
	}
	c.Conditions = make([]CloseCondition, len(p.Conditions))
	for i, cond := range p.Conditions {
		c.Conditions[i] = CloseCondition{Kind: cond.Kind, Price: cond.Price.Clone()}
	}
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.ID))
	buf = append(buf, p.Owner[:]...)
	buf = appendString(buf, p.SourceAsset)
	buf = appendString(buf, p.TargetAsset)
	buf = appendUint256(buf, p.TargetAmount)
	buf = appendString(buf, p.Pool())
	buf = appendUint256(buf, p.ScaledDebt())
	buf = appendUint256(buf, p.DepositInSource())
	buf = appendUint256(buf, p.EntryPrice)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.ConditionsUpdatedAt))
	for _, c := range p.Conditions {
		buf = append(buf, byte(c.Kind))
		buf = appendUint256(buf, c.Price)
	}
	buf = append(buf, byte(p.Status))

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	if v == nil {
		var zero [32]byte
		return append(buf, zero[:]...)
	}
	b := v.Bytes32()
	return append(buf, b[:]...)
}
