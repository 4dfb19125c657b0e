package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for commands and the outcomes they produce
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Commands
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeSupplyLiquidity
	EventTypeWithdrawLiquidity
	EventTypeOpenPosition
	EventTypeIncreaseDeposit
	EventTypeDecreaseDeposit
	EventTypePartialClose
	EventTypeClosePosition
	EventTypeCloseByCondition
	EventTypeUpdateConditions
	EventTypeCreateLimitOrder
	EventTypeCancelLimitOrder
	EventTypeFillLimitOrder
	EventTypeRiskParamUpdate

	// Outcomes
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypeDepositChanged
	EventTypeConditionsUpdated
	EventTypeOrderCreated
	EventTypeOrderClosed
	EventTypeLiquidityChanged
	EventTypeCustodyChanged
)

var eventTypeNames = map[EventType]string{
	EventTypeDeposit:           "Deposit",
	EventTypeWithdraw:          "Withdraw",
	EventTypeSupplyLiquidity:   "SupplyLiquidity",
	EventTypeWithdrawLiquidity: "WithdrawLiquidity",
	EventTypeOpenPosition:      "OpenPosition",
	EventTypeIncreaseDeposit:   "IncreaseDeposit",
	EventTypeDecreaseDeposit:   "DecreaseDeposit",
	EventTypePartialClose:      "PartialClose",
	EventTypeClosePosition:     "ClosePosition",
	EventTypeCloseByCondition:  "CloseByCondition",
	EventTypeUpdateConditions:  "UpdateConditions",
	EventTypeCreateLimitOrder:  "CreateLimitOrder",
	EventTypeCancelLimitOrder:  "CancelLimitOrder",
	EventTypeFillLimitOrder:    "FillLimitOrder",
	EventTypeRiskParamUpdate:   "RiskParamUpdate",
	EventTypePositionOpened:    "PositionOpened",
	EventTypePositionClosed:    "PositionClosed",
	EventTypeDepositChanged:    "DepositChanged",
	EventTypeConditionsUpdated: "ConditionsUpdated",
	EventTypeOrderCreated:      "OrderCreated",
	EventTypeOrderClosed:       "OrderClosed",
	EventTypeLiquidityChanged:  "LiquidityChanged",
	EventTypeCustodyChanged:    "CustodyChanged",
}

func (et EventType) String() string {
	if s, ok := eventTypeNames[et]; ok {
		return s
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, bool) {
	for t, name := range eventTypeNames {
		if name == s {
			return t, true
		}
	}
	return EventTypeUnknown, false
}

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Request id of the command
	IdempotencyKey string

	EventType EventType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded outcomes
	Payload []byte

	// BLAKE3 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface every command implements
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// Time is the versioned execution timestamp stamped at intake
	Time() time.Time

	// ExpiresAt is the caller's deadline; zero means none
	ExpiresAt() time.Time
}

// Meta carries the fields common to all commands.
type Meta struct {
	RequestID uuid.UUID `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Deadline  time.Time `json:"deadline"`
}

func (m Meta) IdempotencyKey() string { return m.RequestID.String() }

func (m Meta) Time() time.Time { return m.Timestamp }

func (m Meta) ExpiresAt() time.Time { return m.Deadline }
