package state

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var ErrInvalidCondition = errors.New("position: invalid close condition")

// ConditionKind is a price trigger attached to a position.
type ConditionKind int32

const (
	ConditionStopLoss ConditionKind = iota + 1
	ConditionTakeProfit
)

func (k ConditionKind) String() string {
	switch k {
	case ConditionStopLoss:
		return "StopLoss"
	case ConditionTakeProfit:
		return "TakeProfit"
	default:
		return "Unknown"
	}
}

// CloseCondition triggers when the oracle price of the target asset (source per target, WAD)
// crosses Price: at or below for stop-loss, at or above for take-profit.
type CloseCondition struct {
	Kind  ConditionKind
	Price *uint256.Int
}

func (c CloseCondition) Triggered(oraclePrice *uint256.Int) bool {
	switch c.Kind {
	case ConditionStopLoss:
		return !oraclePrice.Gt(c.Price)
	case ConditionTakeProfit:
		return !oraclePrice.Lt(c.Price)
	default:
		return false
	}
}

// ValidateConditions allows at most one condition per kind, each with a positive price, and a
// stop-loss strictly below a take-profit.
func ValidateConditions(conds []CloseCondition) error {
	seen := make(map[ConditionKind]*uint256.Int, len(conds))
	for _, c := range conds {
		if c.Kind != ConditionStopLoss && c.Kind != ConditionTakeProfit {
			return fmt.Errorf("%w: unknown kind %d", ErrInvalidCondition, c.Kind)
		}
		if c.Price == nil || c.Price.IsZero() {
			return fmt.Errorf("%w: %s price must be positive", ErrInvalidCondition, c.Kind)
		}
		if _, dup := seen[c.Kind]; dup {
			return fmt.Errorf("%w: duplicate %s", ErrInvalidCondition, c.Kind)
		}
		seen[c.Kind] = c.Price
	}
	sl, hasSL := seen[ConditionStopLoss]
	tp, hasTP := seen[ConditionTakeProfit]
	if hasSL && hasTP && !sl.Lt(tp) {
		return fmt.Errorf("%w: stop-loss %s not below take-profit %s", ErrInvalidCondition, sl.Dec(), tp.Dec())
	}
	return nil
}

// FindCondition returns the position's condition of the given kind.
func (p *Position) FindCondition(kind ConditionKind) (CloseCondition, bool) {
	for _, c := range p.Conditions {
		if c.Kind == kind {
			return c, true
		}
	}
	return CloseCondition{}, false
}
