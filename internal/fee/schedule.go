// Package fee computes the protocol fee charged on opens, closes and liquidations.
package fee

import (
	"errors"
	"fmt"

	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

var (
	ErrFeeFloorExceedsPosition = errors.New("fee: gas floor exceeds position size")
	ErrFeeBoundsInverted       = errors.New("fee: gas floor exceeds fee ceiling")
	ErrNoDiscountToken         = errors.New("fee: no discount token configured")
)

// Operation selects the row of the fee table.
type Operation int32

const (
	OpOpenMarket Operation = iota
	OpOpenByOrder
	OpCloseByOwner
	OpCloseByKeeper
	OpLiquidation
)

func (o Operation) String() string {
	switch o {
	case OpOpenMarket:
		return "OpenMarket"
	case OpOpenByOrder:
		return "OpenByOrder"
	case OpCloseByOwner:
		return "CloseByOwner"
	case OpCloseByKeeper:
		return "CloseByKeeper"
	case OpLiquidation:
		return "Liquidation"
	default:
		return "Unknown"
	}
}

// KeeperClose reports whether a gas floor applies to the operation.
func (o Operation) KeeperClose() bool {
	return o == OpCloseByKeeper || o == OpLiquidation
}

// Schedule is the fee configuration. Fractions and USD amounts are WAD.
type Schedule struct {
	Rates     map[Operation]*uint256.Int
	MaxFeeUSD *uint256.Int // zero disables the ceiling

	GasUnits    map[Operation]uint64
	GasPrice    *uint256.Int // native base units per gas unit
	NativeAsset string

	DiscountToken      string
	DiscountMultiplier *uint256.Int

	// KeeperRewardShare is the part of a keeper-triggered fee paid to the caller.
	KeeperRewardShare *uint256.Int
}

func NewSchedule() *Schedule {
	return &Schedule{
		Rates:              make(map[Operation]*uint256.Int),
		MaxFeeUSD:          new(uint256.Int),
		GasUnits:           make(map[Operation]uint64),
		GasPrice:           new(uint256.Int),
		DiscountMultiplier: fpmath.WAD(),
		KeeperRewardShare:  new(uint256.Int),
	}
}

func (s *Schedule) Validate() error {
	for op, r := range s.Rates {
		if r == nil || r.Gt(fpmath.WAD()) {
			return fmt.Errorf("fee rate for %s must be <= 1", op)
		}
	}
	if s.MaxFeeUSD == nil || s.GasPrice == nil {
		return fmt.Errorf("max_fee_usd and gas_price must be set")
	}
	if !s.GasPrice.IsZero() && s.NativeAsset == "" {
		return fmt.Errorf("native_asset must be set when gas_price is non-zero")
	}
	if s.DiscountToken != "" && (s.DiscountMultiplier == nil || s.DiscountMultiplier.Gt(fpmath.WAD())) {
		return fmt.Errorf("discount_multiplier must be <= 1")
	}
	if s.KeeperRewardShare == nil || s.KeeperRewardShare.Gt(fpmath.WAD()) {
		return fmt.Errorf("keeper_reward_share must be <= 1")
	}
	return nil
}

// Rate returns the fee fraction for op, zero when the table has no row.
func (s *Schedule) Rate(op Operation) *uint256.Int {
	if r, ok := s.Rates[op]; ok {
		return r
	}
	return new(uint256.Int)
}
