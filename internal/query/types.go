package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionResponse represents a position for API queries. Amounts are base units of their
// asset; EntryPrice and Leverage are WAD values rendered as decimals.
type PositionResponse struct {
	PositionID   uint64          `json:"position_id"`
	Owner        uuid.UUID       `json:"owner"`
	Status       string          `json:"status"`
	SourceAsset  string          `json:"source_asset"`
	TargetAsset  string          `json:"target_asset"`
	TargetAmount string          `json:"target_amount"`
	Pool         string          `json:"pool,omitempty"`
	ScaledDebt   string          `json:"scaled_debt"`
	Deposit      string          `json:"deposit"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	Leverage     decimal.Decimal `json:"leverage"`
	Conditions   json.RawMessage `json:"conditions"`
	CreatedAt    int64           `json:"created_at"`
	Version      int64           `json:"version"`

	// Leveraged positions only, as of the last command that touched the position
	HealthRatio      *decimal.Decimal `json:"health_ratio,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	Liquidatable     bool             `json:"liquidatable"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// PoolResponse is the projected state of a lending pool.
type PoolResponse struct {
	Name           string          `json:"name"`
	Asset          string          `json:"asset"`
	TotalLiquidity string          `json:"total_liquidity"`
	TotalBorrowed  string          `json:"total_borrowed"`
	Available      string          `json:"available"`
	Utilization    decimal.Decimal `json:"utilization"`
	BorrowRate     decimal.Decimal `json:"borrow_rate"`
	BorrowIndex    decimal.Decimal `json:"borrow_index"`
	LastAccrual    int64           `json:"last_accrual"`
	AsOfSequence   int64           `json:"as_of_sequence"`
}

// CloseHistoryResponse is one full or partial close.
type CloseHistoryResponse struct {
	Sequence         int64     `json:"sequence"`
	PositionID       uint64    `json:"position_id"`
	Owner            uuid.UUID `json:"owner"`
	Closer           uuid.UUID `json:"closer"`
	Reason           string    `json:"reason"`
	Partial          bool      `json:"partial"`
	SourceAsset      string    `json:"source_asset"`
	DecreaseAmount   string    `json:"decrease_amount"`
	GrossProceeds    string    `json:"gross_proceeds"`
	RepaidDebt       string    `json:"repaid_debt"`
	ProtocolFee      string    `json:"protocol_fee"`
	FeeAsset         string    `json:"fee_asset"`
	KeeperReward     string    `json:"keeper_reward"`
	OutputAmount     string    `json:"output_amount"`
	RealizedPnL      string    `json:"realized_pnl"`
	ShortfallCovered string    `json:"shortfall_covered"`
	ToTreasury       string    `json:"to_treasury"`
	ClosedAt         time.Time `json:"closed_at"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string          `json:"asset"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
