package event

import "github.com/holiman/uint256"

// RiskParamUpdate replaces the parameters of one asset pair and, when Pool is set, the fee
// buffer of one pool. Fractions are WAD.
type RiskParamUpdate struct {
	Meta
	SourceAsset          string
	TargetAsset          string
	OracleTolerableLimit *uint256.Int
	PairPriceDrop        *uint256.Int
	MaxPositionSizeUSD   *uint256.Int
	Pool                 string
	FeeBuffer            *uint256.Int
}

func (r *RiskParamUpdate) EventType() EventType { return EventTypeRiskParamUpdate }
