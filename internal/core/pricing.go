package core

import (
	"context"
	"fmt"

	"MarginLedger/internal/event"
	"MarginLedger/internal/exchange"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/risk"
	"MarginLedger/internal/state"

	"github.com/holiman/uint256"
)

// positionPrice is the oracle price of target in source units (WAD source per target).
func (c *DeterministicCore) positionPrice(ctx context.Context, source, target string, route oracle.RouteData) (*uint256.Int, error) {
	return c.oracle.Rate(ctx, target, source, route)
}

// swapPlan is a checked quote that has not executed yet.
type swapPlan struct {
	req    exchange.SwapRequest
	quoted *uint256.Int
}

// quoteSwap prices selling amountIn of in for out without moving funds. The venue quote is
// checked against the oracle and the swap minimum is the larger of the caller's minimum and
// the oracle floor; a quote below that minimum is rejected here.
func (c *DeterministicCore) quoteSwap(
	ctx context.Context,
	in, out string,
	amountIn, callerMin *uint256.Int,
	route exchange.Route,
	oracleRoute oracle.RouteData,
) (*swapPlan, error) {
	req := exchange.SwapRequest{InputAsset: in, OutputAsset: out, AmountIn: amountIn, Route: route}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	pair, err := c.riskParams.GetPairParams(in, out)
	if err != nil {
		return nil, err
	}
	inDec, err := c.assets.Decimals(in)
	if err != nil {
		return nil, err
	}
	outDec, err := c.assets.Decimals(out)
	if err != nil {
		return nil, err
	}
	rate, err := c.oracle.Rate(ctx, in, out, oracleRoute)
	if err != nil {
		return nil, fmt.Errorf("oracle %s/%s: %w", in, out, err)
	}

	quoted, err := c.exchange.Quote(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("quote %s->%s: %w", in, out, err)
	}
	trade := risk.Trade{
		AmountIn:       amountIn,
		InputDecimals:  inDec,
		Quoted:         quoted,
		OutputDecimals: outDec,
		OracleRate:     rate,
	}
	if err := risk.CheckPriceDeviation(trade, pair.OracleTolerableLimit); err != nil {
		return nil, err
	}
	floor, err := risk.MinOutFromOracle(trade, pair.OracleTolerableLimit)
	if err != nil {
		return nil, err
	}

	req.MinAmountOut = fpmath.Max(fpmath.OrZero(callerMin), floor)
	if quoted.Lt(req.MinAmountOut) {
		return nil, fmt.Errorf("quote %s->%s: %w: quoted %s, want at least %s",
			in, out, exchange.ErrSlippage, quoted.Dec(), req.MinAmountOut.Dec())
	}
	return &swapPlan{req: req, quoted: quoted}, nil
}

// executeSwap runs a planned swap. The venue still enforces the plan's minimum.
func (c *DeterministicCore) executeSwap(ctx context.Context, plan *swapPlan) (*uint256.Int, error) {
	got, err := c.exchange.Swap(ctx, plan.req)
	if err != nil {
		return nil, fmt.Errorf("swap %s->%s: %w", plan.req.InputAsset, plan.req.OutputAsset, err)
	}
	return got, nil
}

// health prices a position's exposure with the given debt at the oracle price.
func (c *DeterministicCore) health(pos *state.Position, targetAmount, debt, price *uint256.Int) (*uint256.Int, error) {
	params, err := risk.ParamsFor(c.riskParams, pos.Pool(), pos.SourceAsset, pos.TargetAsset)
	if err != nil {
		return nil, err
	}
	exposure, err := c.exposure(pos.SourceAsset, pos.TargetAsset, targetAmount, debt)
	if err != nil {
		return nil, err
	}
	return risk.HealthRatio(params, exposure, price)
}

// annotateRisk fills a leveraged record's liquidation price at the current index and its
// health at the oracle price read now. A failed oracle read leaves health unset.
func (c *DeterministicCore) annotateRisk(ctx context.Context, pos *state.Position, rec *state.PositionRecord) {
	if pos.IsSpot() {
		return
	}
	debt, err := c.debtOf(pos)
	if err != nil {
		c.log.Warn().Err(err).Uint64("position", uint64(pos.ID)).Msg("debt for risk view")
		return
	}
	params, err := risk.ParamsFor(c.riskParams, pos.Pool(), pos.SourceAsset, pos.TargetAsset)
	if err != nil {
		c.log.Warn().Err(err).Uint64("position", uint64(pos.ID)).Msg("risk params for risk view")
		return
	}
	exposure, err := c.exposure(pos.SourceAsset, pos.TargetAsset, pos.TargetAmount, debt)
	if err != nil {
		return
	}
	if rec.LiquidationPrice, err = risk.LiquidationPrice(params, exposure); err != nil {
		c.log.Warn().Err(err).Uint64("position", uint64(pos.ID)).Msg("liquidation price")
	}

	price, err := c.positionPrice(ctx, pos.SourceAsset, pos.TargetAsset, oracle.RouteData(pos.OracleRoute))
	if err != nil {
		c.log.Debug().Err(err).Uint64("position", uint64(pos.ID)).Msg("no oracle price for health")
		return
	}
	if rec.HealthRatio, err = risk.HealthRatio(params, exposure, price); err != nil {
		c.log.Warn().Err(err).Uint64("position", uint64(pos.ID)).Msg("health ratio")
	}
}

func (c *DeterministicCore) exposure(source, target string, targetAmount, debt *uint256.Int) (risk.Exposure, error) {
	sDec, err := c.assets.Decimals(source)
	if err != nil {
		return risk.Exposure{}, err
	}
	tDec, err := c.assets.Decimals(target)
	if err != nil {
		return risk.Exposure{}, err
	}
	return risk.Exposure{TargetAmount: targetAmount, TargetDecimals: tDec, Debt: debt, SourceDecimals: sDec}, nil
}

// checkSize bounds the USD value of amount (base units of asset) by the global minimum and the
// pair maximum. A zero maximum is unbounded.
func (c *DeterministicCore) checkSize(ctx context.Context, asset, target string, amount *uint256.Int, route oracle.RouteData) error {
	dec, err := c.assets.Decimals(asset)
	if err != nil {
		return err
	}
	usd, err := c.oracle.USDRate(ctx, asset, route)
	if err != nil {
		return fmt.Errorf("usd rate %s: %w", asset, err)
	}
	size, err := fpmath.Convert(amount, dec, usd, fpmath.InternalDecimals, fpmath.RoundDown)
	if err != nil {
		return err
	}
	if minSize := c.riskParams.MinPositionSizeUSD(); size.Lt(minSize) {
		return fmt.Errorf("%w: %s USD < %s USD", ErrPositionTooSmall, fpmath.FormatWad(size), fpmath.FormatWad(minSize))
	}
	pair, err := c.riskParams.GetPairParams(asset, target)
	if err != nil {
		return err
	}
	if maxSize := pair.MaxPositionSizeUSD; positive(maxSize) && size.Gt(maxSize) {
		return fmt.Errorf("%w: %s USD > %s USD", ErrPositionTooLarge, fpmath.FormatWad(size), fpmath.FormatWad(maxSize))
	}
	return nil
}

func positive(v *uint256.Int) bool { return v != nil && !v.IsZero() }

func toWire(conds []state.CloseCondition) []event.Condition {
	out := make([]event.Condition, len(conds))
	for i, c := range conds {
		out[i] = event.Condition{Kind: c.Kind.String(), Price: c.Price.Dec()}
	}
	return out
}
