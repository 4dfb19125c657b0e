package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Outcome is an observable fact produced by applying a command. Amounts are decimal strings
// in base units of their asset; prices and ratios are decimal strings of WAD values.
type Outcome interface {
	OutcomeType() EventType
}

// PositionOpened is emitted once per new position.
type PositionOpened struct {
	PositionID   uint64      `json:"position_id"`
	Owner        uuid.UUID   `json:"owner"`
	SourceAsset  string      `json:"source_asset"`
	TargetAsset  string      `json:"target_asset"`
	TargetAmount string      `json:"target_amount"`
	Pool         string      `json:"pool,omitempty"`
	Borrowed     string      `json:"borrowed"`
	Deposit      string      `json:"deposit_in_source"`
	EntryPrice   string      `json:"entry_price"`
	Leverage     string      `json:"leverage"`
	Fee          string      `json:"fee"`
	FeeAsset     string      `json:"fee_asset"`
	Conditions   []Condition `json:"conditions"`
	OrderID      uint64      `json:"order_id,omitempty"`
}

func (PositionOpened) OutcomeType() EventType { return EventTypePositionOpened }

// Condition is the wire form of a close condition.
type Condition struct {
	Kind  string `json:"kind"`
	Price string `json:"price"`
}

// PositionClosed is emitted on every full or partial close.
type PositionClosed struct {
	PositionID     uint64    `json:"position_id"`
	Owner          uuid.UUID `json:"owner"`
	Closer         uuid.UUID `json:"closer"`
	Reason         string    `json:"reason"`
	Partial        bool      `json:"partial"`
	SourceAsset    string    `json:"source_asset"`
	DecreaseAmount string    `json:"decrease_amount"`
	GrossProceeds  string    `json:"gross_proceeds"`
	RepaidDebt     string    `json:"repaid_debt"`
	ProtocolFee    string    `json:"protocol_fee"`
	FeeAsset       string    `json:"fee_asset"`
	KeeperReward   string    `json:"keeper_reward"`
	OutputAmount   string    `json:"output_amount"`
	RealizedPnL    string    `json:"realized_pnl"`
	ShortfallCover string    `json:"shortfall_covered"`
	ToTreasury     string    `json:"to_treasury"`
}

func (PositionClosed) OutcomeType() EventType { return EventTypePositionClosed }

// DepositChanged is emitted by increase and decrease deposit.
type DepositChanged struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	Increased  bool      `json:"increased"`
	Deposit    string    `json:"deposit_in_source"`
	Debt       string    `json:"debt"`
	Target     string    `json:"target_amount"`
	Leverage   string    `json:"leverage"`
}

func (DepositChanged) OutcomeType() EventType { return EventTypeDepositChanged }

type ConditionsUpdated struct {
	PositionID uint64      `json:"position_id"`
	Owner      uuid.UUID   `json:"owner"`
	Conditions []Condition `json:"conditions"`
	UpdatedAt  int64       `json:"updated_at"`
}

func (ConditionsUpdated) OutcomeType() EventType { return EventTypeConditionsUpdated }

type OrderCreated struct {
	OrderID    uint64    `json:"order_id"`
	Owner      uuid.UUID `json:"owner"`
	Asset      string    `json:"deposit_asset"`
	Amount     string    `json:"deposit_amount"`
	Target     string    `json:"target_asset"`
	LimitPrice string    `json:"limit_price"`
}

func (OrderCreated) OutcomeType() EventType { return EventTypeOrderCreated }

// OrderCloseReason says how a limit order left the book.
type OrderCloseReason string

const (
	OrderFilledSpot   OrderCloseReason = "FilledSpot"
	OrderFilledMargin OrderCloseReason = "FilledMargin"
	OrderCancelled    OrderCloseReason = "Cancelled"
)

type OrderClosed struct {
	OrderID    uint64           `json:"order_id"`
	Owner      uuid.UUID        `json:"owner"`
	Reason     OrderCloseReason `json:"reason"`
	PositionID uint64           `json:"position_id,omitempty"`
}

func (OrderClosed) OutcomeType() EventType { return EventTypeOrderClosed }

type LiquidityChanged struct {
	Pool           string    `json:"pool"`
	Provider       uuid.UUID `json:"provider"`
	Delta          string    `json:"delta"`
	TotalLiquidity string    `json:"total_liquidity"`
	TotalBorrowed  string    `json:"total_borrowed"`
	BorrowIndex    string    `json:"borrow_index"`
}

func (LiquidityChanged) OutcomeType() EventType { return EventTypeLiquidityChanged }

type CustodyChanged struct {
	Owner     uuid.UUID `json:"owner"`
	Asset     string    `json:"asset"`
	Delta     string    `json:"delta"`
	Available string    `json:"available"`
}

func (CustodyChanged) OutcomeType() EventType { return EventTypeCustodyChanged }

// Tagged is the serialized form of one outcome.
type Tagged struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeOutcomes serializes outcomes for an envelope payload.
func EncodeOutcomes(outcomes []Outcome) ([]byte, error) {
	tagged := make([]Tagged, 0, len(outcomes))
	for _, o := range outcomes {
		data, err := json.Marshal(o)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", o.OutcomeType(), err)
		}
		tagged = append(tagged, Tagged{Type: o.OutcomeType().String(), Data: data})
	}
	return json.Marshal(tagged)
}

// DecodeOutcomes is the inverse of EncodeOutcomes.
func DecodeOutcomes(payload []byte) ([]Outcome, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var tagged []Tagged
	if err := json.Unmarshal(payload, &tagged); err != nil {
		return nil, fmt.Errorf("unmarshal outcomes: %w", err)
	}
	out := make([]Outcome, 0, len(tagged))
	for _, t := range tagged {
		var o Outcome
		switch t.Type {
		case "PositionOpened":
			o = &PositionOpened{}
		case "PositionClosed":
			o = &PositionClosed{}
		case "DepositChanged":
			o = &DepositChanged{}
		case "ConditionsUpdated":
			o = &ConditionsUpdated{}
		case "OrderCreated":
			o = &OrderCreated{}
		case "OrderClosed":
			o = &OrderClosed{}
		case "LiquidityChanged":
			o = &LiquidityChanged{}
		case "CustodyChanged":
			o = &CustodyChanged{}
		default:
			return nil, fmt.Errorf("unknown outcome type %q", t.Type)
		}
		if err := json.Unmarshal(t.Data, o); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", t.Type, err)
		}
		out = append(out, o)
	}
	return out, nil
}
