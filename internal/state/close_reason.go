package state

import (
	"errors"
	"fmt"

	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

var (
	ErrConditionNotMet = errors.New("position: close condition not met")
	ErrNotLiquidatable = errors.New("position: health ratio not below one")
)

// CloseReason records why a position was closed.
type CloseReason int32

const (
	CloseReasonOwner CloseReason = iota
	CloseReasonLiquidation
	CloseReasonStopLoss
	CloseReasonTakeProfit
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonOwner:
		return "Owner"
	case CloseReasonLiquidation:
		return "Liquidation"
	case CloseReasonStopLoss:
		return "StopLoss"
	case CloseReasonTakeProfit:
		return "TakeProfit"
	default:
		return "Unknown"
	}
}

// KeeperTriggered reports whether anyone may trigger a close for this reason.
func (r CloseReason) KeeperTriggered() bool {
	return r != CloseReasonOwner
}

// TerminalStatus is the status a fully closed position ends in.
func (r CloseReason) TerminalStatus() PositionStatus {
	if r == CloseReasonLiquidation {
		return PositionStatusLiquidated
	}
	return PositionStatusClosed
}

// TriggerInput carries the freshly priced view of a position a trigger is evaluated against.
type TriggerInput struct {
	Position    *Position
	OraclePrice *uint256.Int // source per target, WAD
	Health      *uint256.Int // WAD
}

// TriggerHandler certifies that a keeper-initiated close is allowed.
// Evaluate returns nil when the trigger holds.
type TriggerHandler interface {
	Evaluate(in TriggerInput) error
	Reason() CloseReason
}

// LiquidationTrigger holds when health is strictly below one.
type LiquidationTrigger struct{}

func (LiquidationTrigger) Evaluate(in TriggerInput) error {
	if in.Health == nil || !in.Health.Lt(fpmath.WAD()) {
		health := "max"
		if in.Health != nil {
			health = fpmath.FormatWad(in.Health)
		}
		return fmt.Errorf("%w: position %d health %s", ErrNotLiquidatable, in.Position.ID, health)
	}
	return nil
}

func (LiquidationTrigger) Reason() CloseReason { return CloseReasonLiquidation }

// PriceTrigger holds when the position's condition of Kind is crossed by the oracle price.
type PriceTrigger struct {
	Kind ConditionKind
}

func (t PriceTrigger) Evaluate(in TriggerInput) error {
	cond, ok := in.Position.FindCondition(t.Kind)
	if !ok {
		return fmt.Errorf("%w: position %d has no %s", ErrConditionNotMet, in.Position.ID, t.Kind)
	}
	if !cond.Triggered(in.OraclePrice) {
		return fmt.Errorf("%w: %s at %s, oracle %s", ErrConditionNotMet,
			t.Kind, fpmath.FormatWad(cond.Price), fpmath.FormatWad(in.OraclePrice))
	}
	return nil
}

func (t PriceTrigger) Reason() CloseReason {
	if t.Kind == ConditionStopLoss {
		return CloseReasonStopLoss
	}
	return CloseReasonTakeProfit
}

// TriggerFor returns the handler certifying reason.
func TriggerFor(reason CloseReason) (TriggerHandler, error) {
	switch reason {
	case CloseReasonLiquidation:
		return LiquidationTrigger{}, nil
	case CloseReasonStopLoss:
		return PriceTrigger{Kind: ConditionStopLoss}, nil
	case CloseReasonTakeProfit:
		return PriceTrigger{Kind: ConditionTakeProfit}, nil
	default:
		return nil, fmt.Errorf("no trigger for close reason %s", reason)
	}
}
