package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceResponse is one owner's custody state in one asset.
type BalanceResponse struct {
	Owner uuid.UUID `json:"owner"`
	Asset string    `json:"asset"`

	// Ledger balances in base units
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"` // deposits backing open positions and orders
	Total     decimal.Decimal `json:"total"`

	// Total in whole tokens; empty when the asset's decimals are unknown
	TotalDisplay string `json:"total_display,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// add folds one projected account row into the response.
func (b *BalanceResponse) add(subType string, amount decimal.Decimal) {
	switch subType {
	case "available":
		b.Available = b.Available.Add(amount)
	case "locked":
		b.Locked = b.Locked.Add(amount)
	}
	b.Total = b.Available.Add(b.Locked)
}

func (b *BalanceResponse) display(decimals uint8) {
	b.TotalDisplay = b.Total.Shift(-int32(decimals)).String()
}
