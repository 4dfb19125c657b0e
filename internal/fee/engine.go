package fee

import (
	"context"
	"fmt"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/oracle"

	"github.com/holiman/uint256"
)

// DecimalsSource resolves asset decimals.
type DecimalsSource interface {
	Decimals(symbol string) (uint8, error)
}

// Request asks for the fee on a position of PositionSize base units of Asset.
type Request struct {
	Op           Operation
	Asset        string
	PositionSize *uint256.Int
	Route        oracle.RouteData
}

// Fee is a computed fee with the bounds it was clamped to. Floor and Ceiling are nil when
// the bound does not apply.
type Fee struct {
	Asset   string
	Amount  *uint256.Int
	Floor   *uint256.Int
	Ceiling *uint256.Int
}

// Engine prices fees against a Schedule, converting gas and USD bounds with the oracle.
type Engine struct {
	schedule *Schedule
	oracle   oracle.Oracle
	assets   DecimalsSource
}

func NewEngine(schedule *Schedule, o oracle.Oracle, assets DecimalsSource) (*Engine, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	return &Engine{schedule: schedule, oracle: o, assets: assets}, nil
}

func (e *Engine) Schedule() *Schedule { return e.schedule }

// Compute returns size * rate clamped to [floor, ceiling]. A floor larger than the position
// or the ceiling fails the call instead of charging outside the bounds.
func (e *Engine) Compute(ctx context.Context, req Request) (Fee, error) {
	dec, err := e.assets.Decimals(req.Asset)
	if err != nil {
		return Fee{}, err
	}
	raw, err := fpmath.MulDiv(req.PositionSize, e.schedule.Rate(req.Op), fpmath.WAD(), fpmath.RoundUp)
	if err != nil {
		return Fee{}, fmt.Errorf("fee %s: %w", req.Op, err)
	}

	floor, err := e.gasFloor(ctx, req, dec)
	if err != nil {
		return Fee{}, err
	}
	if floor != nil && floor.Gt(req.PositionSize) {
		return Fee{}, fmt.Errorf("%w: floor %s, position %s %s",
			ErrFeeFloorExceedsPosition, floor.Dec(), req.PositionSize.Dec(), req.Asset)
	}

	ceiling, err := e.ceiling(ctx, req, dec)
	if err != nil {
		return Fee{}, err
	}
	if floor != nil && ceiling != nil && floor.Gt(ceiling) {
		return Fee{}, fmt.Errorf("%w: floor %s, ceiling %s %s", ErrFeeBoundsInverted, floor.Dec(), ceiling.Dec(), req.Asset)
	}

	amount := raw
	if floor != nil {
		amount = fpmath.Max(amount, floor)
	}
	if ceiling != nil {
		amount = fpmath.Min(amount, ceiling)
	}
	return Fee{Asset: req.Asset, Amount: amount.Clone(), Floor: floor, Ceiling: ceiling}, nil
}

// gasFloor is the keeper gas estimate priced in the fee asset.
func (e *Engine) gasFloor(ctx context.Context, req Request, dec uint8) (*uint256.Int, error) {
	units := e.schedule.GasUnits[req.Op]
	if !req.Op.KeeperClose() || units == 0 || e.schedule.GasPrice.IsZero() {
		return nil, nil
	}
	gas, err := fpmath.Mul(uint256.NewInt(units), e.schedule.GasPrice)
	if err != nil {
		return nil, err
	}
	native := e.schedule.NativeAsset
	if native == req.Asset {
		return gas, nil
	}
	nativeDec, err := e.assets.Decimals(native)
	if err != nil {
		return nil, err
	}
	rate, err := e.oracle.Rate(ctx, native, req.Asset, req.Route)
	if err != nil {
		return nil, fmt.Errorf("gas floor rate %s/%s: %w", native, req.Asset, err)
	}
	return fpmath.Convert(gas, nativeDec, rate, dec, fpmath.RoundUp)
}

// ceiling is MaxFeeUSD priced in the fee asset.
func (e *Engine) ceiling(ctx context.Context, req Request, dec uint8) (*uint256.Int, error) {
	if e.schedule.MaxFeeUSD.IsZero() {
		return nil, nil
	}
	usd, err := e.oracle.USDRate(ctx, req.Asset, req.Route)
	if err != nil {
		return nil, fmt.Errorf("fee ceiling rate %s: %w", req.Asset, err)
	}
	if usd.IsZero() {
		return nil, oracle.ErrZeroRate
	}
	units, err := fpmath.MulDiv(e.schedule.MaxFeeUSD, fpmath.WAD(), usd, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return fpmath.Denormalize(units, dec, fpmath.RoundDown)
}

// KeeperCut is the part of a keeper-triggered fee paid to the closer.
func (e *Engine) KeeperCut(f Fee) (*uint256.Int, error) {
	return fpmath.MulDiv(f.Amount, e.schedule.KeeperRewardShare, fpmath.WAD(), fpmath.RoundDown)
}

// Discounted is a fee restated in the discount token.
type Discounted struct {
	Token  string
	Amount *uint256.Int
}

// ToDiscountToken applies the discount multiplier and converts the fee into the discount
// token at the oracle rate read now.
func (e *Engine) ToDiscountToken(ctx context.Context, f Fee, route oracle.RouteData) (Discounted, error) {
	token := e.schedule.DiscountToken
	if token == "" {
		return Discounted{}, ErrNoDiscountToken
	}
	reduced, err := fpmath.MulDiv(f.Amount, e.schedule.DiscountMultiplier, fpmath.WAD(), fpmath.RoundUp)
	if err != nil {
		return Discounted{}, err
	}
	if token == f.Asset {
		return Discounted{Token: token, Amount: reduced}, nil
	}
	fromDec, err := e.assets.Decimals(f.Asset)
	if err != nil {
		return Discounted{}, err
	}
	toDec, err := e.assets.Decimals(token)
	if err != nil {
		return Discounted{}, err
	}
	rate, err := e.oracle.Rate(ctx, f.Asset, token, route)
	if err != nil {
		return Discounted{}, fmt.Errorf("discount rate %s/%s: %w", f.Asset, token, err)
	}
	amount, err := fpmath.Convert(reduced, fromDec, rate, toDec, fpmath.RoundUp)
	if err != nil {
		return Discounted{}, err
	}
	return Discounted{Token: token, Amount: amount}, nil
}
