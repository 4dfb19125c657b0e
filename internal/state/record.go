package state

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionRecord is the flat, serializable form of a Position. Pool is empty and ScaledDebt
// nil for spot positions.
type PositionRecord struct {
	ID                  PositionID       `json:"id"`
	Owner               uuid.UUID        `json:"owner"`
	SourceAsset         string           `json:"source_asset"`
	TargetAsset         string           `json:"target_asset"`
	TargetAmount        *uint256.Int     `json:"target_amount"`
	Pool                string           `json:"pool,omitempty"`
	ScaledDebt          *uint256.Int     `json:"scaled_debt,omitempty"`
	Deposit             *uint256.Int     `json:"deposit"`
	DepositAsset        string           `json:"deposit_asset,omitempty"`
	OpenIndex           *uint256.Int     `json:"open_index,omitempty"`
	EntryPrice          *uint256.Int     `json:"entry_price"`
	Leverage            *uint256.Int     `json:"leverage"`
	CreatedAt           int64            `json:"created_at"`
	ConditionsUpdatedAt int64            `json:"conditions_updated_at"`
	Conditions          []CloseCondition `json:"conditions"`
	Status              PositionStatus   `json:"status"`
	Version             int64            `json:"version"`
	OracleRoute         string           `json:"oracle_route,omitempty"`

	// Set by the engine when it publishes the record; never read back into a Position.
	HealthRatio      *uint256.Int `json:"health_ratio,omitempty"`
	LiquidationPrice *uint256.Int `json:"liquidation_price,omitempty"`
}

func (p *Position) Record() PositionRecord {
	c := p.Clone()
	r := PositionRecord{
		ID:                  c.ID,
		Owner:               c.Owner,
		SourceAsset:         c.SourceAsset,
		TargetAsset:         c.TargetAsset,
		TargetAmount:        c.TargetAmount,
		OpenIndex:           c.OpenIndex,
		EntryPrice:          c.EntryPrice,
		Leverage:            c.Leverage,
		CreatedAt:           c.CreatedAt,
		ConditionsUpdatedAt: c.ConditionsUpdatedAt,
		Conditions:          c.Conditions,
		Status:              c.Status,
		Version:             c.Version,
		OracleRoute:         c.OracleRoute,
	}
	switch f := c.Funding.(type) {
	case Spot:
		r.DepositAsset = f.DepositAsset
		r.Deposit = f.DepositAmount
	case Leveraged:
		r.Pool = f.Pool
		r.ScaledDebt = f.ScaledDebt
		r.Deposit = f.DepositInSourceAsset
	}
	return r
}

// Position rebuilds the position, choosing the variant from Pool.
func (r PositionRecord) Position() (*Position, error) {
	if r.TargetAmount == nil || r.Deposit == nil || r.EntryPrice == nil || r.Leverage == nil {
		return nil, fmt.Errorf("position record %d: missing amounts", r.ID)
	}
	p := &Position{
		ID:                  r.ID,
		Owner:               r.Owner,
		SourceAsset:         r.SourceAsset,
		TargetAsset:         r.TargetAsset,
		TargetAmount:        r.TargetAmount,
		OpenIndex:           r.OpenIndex,
		EntryPrice:          r.EntryPrice,
		Leverage:            r.Leverage,
		CreatedAt:           r.CreatedAt,
		ConditionsUpdatedAt: r.ConditionsUpdatedAt,
		Conditions:          r.Conditions,
		Status:              r.Status,
		Version:             r.Version,
		OracleRoute:         r.OracleRoute,
	}
	if r.Pool == "" {
		p.Funding = Spot{DepositAsset: r.DepositAsset, DepositAmount: r.Deposit}
	} else {
		if r.ScaledDebt == nil || r.ScaledDebt.IsZero() {
			return nil, fmt.Errorf("position record %d: pool %s without debt", r.ID, r.Pool)
		}
		p.Funding = Leveraged{Pool: r.Pool, ScaledDebt: r.ScaledDebt, DepositInSourceAsset: r.Deposit}
	}
	return p.Clone(), nil
}
