package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGuardedNonNegative verifies no user, pool or system account is negative.
func (v *InvariantValidator) ValidateGuardedNonNegative() error {
	for key, balance := range v.tracker.balances {
		if key.MustBeNonNegative() && balance.Sign() < 0 {
			return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for asset, total := range v.tracker.ComputeGlobalBalance() {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, total)
		}
	}
	return nil
}
