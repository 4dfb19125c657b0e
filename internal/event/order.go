package event

import (
	"time"

	"MarginLedger/internal/exchange"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CreateLimitOrder locks the deposit and waits for the oracle price of TargetAsset to fall to
// LimitPrice (WAD source per target).
type CreateLimitOrder struct {
	Meta
	Owner              uuid.UUID
	DepositAsset       string
	DepositAmount      *uint256.Int
	Pool               string
	BorrowAmount       *uint256.Int
	TargetAsset        string
	LimitPrice         *uint256.Int
	Conditions         []state.CloseCondition
	FeeInDiscountToken bool
	ExpiresAt          time.Time
}

func (c *CreateLimitOrder) EventType() EventType { return EventTypeCreateLimitOrder }

// CancelLimitOrder unlocks an order's deposit.
type CancelLimitOrder struct {
	Meta
	Owner   uuid.UUID
	OrderID state.OrderID
}

func (c *CancelLimitOrder) EventType() EventType { return EventTypeCancelLimitOrder }

// FillLimitOrder is a keeper turning a fillable order into a position.
type FillLimitOrder struct {
	Meta
	Keeper          uuid.UUID
	OrderID         state.OrderID
	MinTargetAmount *uint256.Int
	SwapRoute       exchange.Route
	ConversionRoute exchange.Route
	OracleRoute     oracle.RouteData
}

func (f *FillLimitOrder) EventType() EventType { return EventTypeFillLimitOrder }
