// Package risk computes position health and guards trades against venue prices that stray
// from the oracle.
package risk

import (
	"errors"
	"fmt"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/holiman/uint256"
)

var (
	ErrPriceDeviation = errors.New("risk: exchange price deviates from oracle beyond tolerance")
	ErrZeroPrice      = errors.New("risk: zero oracle price")
)

// MaxHealth is reported for positions without debt.
var MaxHealth = new(uint256.Int).SetAllOne()

// Params is the haircut set applied to one position. All fractions are WAD.
type Params struct {
	SecurityBuffer       *uint256.Int
	OracleTolerableLimit *uint256.Int
	PairPriceDrop        *uint256.Int
	FeeBuffer            *uint256.Int
}

// ParamsFor assembles the parameters of a position trading source for target through pool.
// Spot positions have no pool and use a fee buffer of one.
func ParamsFor(rpm *state.RiskParamsManager, pool, source, target string) (Params, error) {
	pair, err := rpm.GetPairParams(source, target)
	if err != nil {
		return Params{}, err
	}
	feeBuffer := fpmath.WAD()
	if pool != "" {
		pp, err := rpm.GetPoolParams(pool)
		if err != nil {
			return Params{}, err
		}
		feeBuffer = pp.FeeBuffer
	}
	return Params{
		SecurityBuffer:       rpm.SecurityBuffer(),
		OracleTolerableLimit: pair.OracleTolerableLimit,
		PairPriceDrop:        pair.PairPriceDrop,
		FeeBuffer:            feeBuffer,
	}, nil
}

// haircut is (1 - securityBuffer)(1 - tolerableLimit)(1 - pairPriceDrop).
func (p Params) haircut() (*uint256.Int, error) {
	factor := fpmath.WAD()
	for _, f := range []*uint256.Int{p.SecurityBuffer, p.OracleTolerableLimit, p.PairPriceDrop} {
		keep, err := fpmath.OneMinus(f)
		if err != nil {
			return nil, err
		}
		factor, err = fpmath.MulDiv(factor, keep, fpmath.WAD(), fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
	}
	return factor, nil
}

// Exposure is what a position holds and owes, in base units of each asset.
type Exposure struct {
	TargetAmount   *uint256.Int
	TargetDecimals uint8
	Debt           *uint256.Int
	SourceDecimals uint8
}

// HealthRatio evaluates
//
//	(1-securityBuffer)(1-tolerableLimit)(1-pairPriceDrop) * value / (feeBuffer * debt)
//
// where value is the target amount priced in the source asset at oraclePrice (WAD source per
// target). The numerator rounds down and the denominator rounds up.
func HealthRatio(p Params, e Exposure, oraclePrice *uint256.Int) (*uint256.Int, error) {
	if e.Debt == nil || e.Debt.IsZero() {
		return MaxHealth.Clone(), nil
	}
	if oraclePrice == nil || oraclePrice.IsZero() {
		return nil, ErrZeroPrice
	}

	value, err := fpmath.Convert(e.TargetAmount, e.TargetDecimals, oraclePrice, fpmath.InternalDecimals, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("position value: %w", err)
	}
	factor, err := p.haircut()
	if err != nil {
		return nil, err
	}
	num, err := fpmath.MulDiv(factor, value, fpmath.WAD(), fpmath.RoundDown)
	if err != nil {
		return nil, err
	}

	debt, err := fpmath.Normalize(e.Debt, e.SourceDecimals)
	if err != nil {
		return nil, err
	}
	den, err := fpmath.MulDiv(p.FeeBuffer, debt, fpmath.WAD(), fpmath.RoundUp)
	if err != nil {
		return nil, err
	}

	return fpmath.MulDiv(num, fpmath.WAD(), den, fpmath.RoundDown)
}

// IsLiquidatable is true iff health is strictly below one.
func IsLiquidatable(health *uint256.Int) bool {
	return health.Lt(fpmath.WAD())
}

// LiquidationPrice is the oracle price (WAD source per target) at which health reaches one.
// Positions without debt have none and return nil.
func LiquidationPrice(p Params, e Exposure) (*uint256.Int, error) {
	if e.Debt == nil || e.Debt.IsZero() {
		return nil, nil
	}
	if e.TargetAmount == nil || e.TargetAmount.IsZero() {
		return nil, fmt.Errorf("liquidation price: empty position")
	}

	factor, err := p.haircut()
	if err != nil {
		return nil, err
	}
	debt, err := fpmath.Normalize(e.Debt, e.SourceDecimals)
	if err != nil {
		return nil, err
	}
	amount, err := fpmath.Normalize(e.TargetAmount, e.TargetDecimals)
	if err != nil {
		return nil, err
	}

	// price = feeBuffer * debt / (factor * amount)
	need, err := fpmath.MulDiv(p.FeeBuffer, debt, fpmath.WAD(), fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	backing, err := fpmath.MulDiv(factor, amount, fpmath.WAD(), fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(need, fpmath.WAD(), backing, fpmath.RoundUp)
}
