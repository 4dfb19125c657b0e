package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Deposit credits Amount base units of Asset from external custody to the owner's
// available balance.
type Deposit struct {
	Meta
	Owner  uuid.UUID
	Asset  string
	Amount *uint256.Int
}

func (d *Deposit) EventType() EventType { return EventTypeDeposit }

// Withdraw debits the owner's available balance back to external custody.
type Withdraw struct {
	Meta
	Owner  uuid.UUID
	Asset  string
	Amount *uint256.Int
}

func (w *Withdraw) EventType() EventType { return EventTypeWithdraw }

// SupplyLiquidity moves a provider's available balance into a lending pool.
type SupplyLiquidity struct {
	Meta
	Provider uuid.UUID
	Pool     string
	Amount   *uint256.Int
}

func (s *SupplyLiquidity) EventType() EventType { return EventTypeSupplyLiquidity }

// WithdrawLiquidity redeems a provider's pool liquidity back to available balance.
type WithdrawLiquidity struct {
	Meta
	Provider uuid.UUID
	Pool     string
	Amount   *uint256.Int
}

func (w *WithdrawLiquidity) EventType() EventType { return EventTypeWithdrawLiquidity }
