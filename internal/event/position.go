package event

import (
	"MarginLedger/internal/exchange"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// OpenPosition opens a spot position (empty Pool) or a leveraged one borrowing BorrowAmount
// from Pool. ConversionRoute converts a deposit in a third asset into the pool asset and must
// be empty for spot.
type OpenPosition struct {
	Meta
	Owner              uuid.UUID
	DepositAsset       string
	DepositAmount      *uint256.Int
	Pool               string
	BorrowAmount       *uint256.Int
	TargetAsset        string
	MinTargetAmount    *uint256.Int
	SwapRoute          exchange.Route
	ConversionRoute    exchange.Route
	OracleRoute        oracle.RouteData
	Conditions         []state.CloseCondition
	FeeInDiscountToken bool
}

func (o *OpenPosition) EventType() EventType { return EventTypeOpenPosition }

// IncreaseDeposit adds collateral to a leveraged position by repaying part of its debt.
type IncreaseDeposit struct {
	Meta
	Owner           uuid.UUID
	PositionID      state.PositionID
	Asset           string
	Amount          *uint256.Int
	ConversionRoute exchange.Route
	OracleRoute     oracle.RouteData
}

func (i *IncreaseDeposit) EventType() EventType { return EventTypeIncreaseDeposit }

// DecreaseDeposit sells TargetAmount of a leveraged position, repays the matching share of
// debt and pays the rest out of the position's deposit.
type DecreaseDeposit struct {
	Meta
	Owner        uuid.UUID
	PositionID   state.PositionID
	TargetAmount *uint256.Int
	MinOut       *uint256.Int
	SwapRoute    exchange.Route
	OracleRoute  oracle.RouteData
}

func (d *DecreaseDeposit) EventType() EventType { return EventTypeDecreaseDeposit }

// PartialClose sells TargetAmount of a position and shrinks it proportionally.
type PartialClose struct {
	Meta
	Owner              uuid.UUID
	PositionID         state.PositionID
	TargetAmount       *uint256.Int
	MinOut             *uint256.Int
	SwapRoute          exchange.Route
	OracleRoute        oracle.RouteData
	FeeInDiscountToken bool
}

func (p *PartialClose) EventType() EventType { return EventTypePartialClose }

// ClosePosition is the owner's full close.
type ClosePosition struct {
	Meta
	Owner              uuid.UUID
	PositionID         state.PositionID
	MinOut             *uint256.Int
	SwapRoute          exchange.Route
	OracleRoute        oracle.RouteData
	FeeInDiscountToken bool
}

func (c *ClosePosition) EventType() EventType { return EventTypeClosePosition }

// CloseByCondition is a keeper close: liquidation, stop-loss or take-profit.
type CloseByCondition struct {
	Meta
	Closer      uuid.UUID
	PositionID  state.PositionID
	Reason      state.CloseReason
	SwapRoute   exchange.Route
	OracleRoute oracle.RouteData
}

func (c *CloseByCondition) EventType() EventType { return EventTypeCloseByCondition }

// UpdateConditions replaces a position's close conditions.
type UpdateConditions struct {
	Meta
	Owner      uuid.UUID
	PositionID state.PositionID
	Conditions []state.CloseCondition
}

func (u *UpdateConditions) EventType() EventType { return EventTypeUpdateConditions }
