package core

import (
	"context"
	"fmt"

	"MarginLedger/internal/event"
	"MarginLedger/internal/exchange"
	"MarginLedger/internal/fee"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/risk"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// closeRequest covers owner closes, partial closes, keeper closes and deposit decreases.
// A nil sell amount sells the whole position.
type closeRequest struct {
	positionID    state.PositionID
	closer        uuid.UUID
	reason        state.CloseReason
	sell          *uint256.Int
	minOut        *uint256.Int
	swapRoute     exchange.Route
	oracleRoute   oracle.RouteData
	feeInDiscount bool
	decrease      bool // deposit decrease: no fee, must stay healthy
}

// debtView is a leveraged position's debt at the freshly accrued index.
type debtView struct {
	bucket *state.Bucket
	token  *state.DebtToken
	real   *uint256.Int
}

func (c *DeterministicCore) loadDebt(tx *txn, pos *state.Position) (debtView, error) {
	if pos.IsSpot() {
		return debtView{real: new(uint256.Int)}, nil
	}
	bucket, token, err := tx.pool(pos.Pool())
	if err != nil {
		return debtView{}, err
	}
	real, err := state.DebtFromScaled(pos.ScaledDebt(), bucket.BorrowIndex)
	if err != nil {
		return debtView{}, err
	}
	return debtView{bucket: bucket, token: token, real: real}, nil
}

func closeOp(reason state.CloseReason) fee.Operation {
	switch reason {
	case state.CloseReasonLiquidation:
		return fee.OpLiquidation
	case state.CloseReasonStopLoss, state.CloseReasonTakeProfit:
		return fee.OpCloseByKeeper
	default:
		return fee.OpCloseByOwner
	}
}

func (c *DeterministicCore) closePosition(ctx context.Context, tx *txn, req closeRequest) (*effects, error) {
	pos := c.positionManager.GetPosition(req.positionID)
	if pos == nil {
		return nil, fmt.Errorf("%w: %d", state.ErrPositionNotFound, req.positionID)
	}
	if req.reason == state.CloseReasonOwner && pos.Owner != req.closer {
		return nil, fmt.Errorf("%w: position %d", ErrUnauthorized, pos.ID)
	}
	if req.decrease && pos.IsSpot() {
		return nil, fmt.Errorf("%w: decrease deposit on %d", ErrSpotPosition, pos.ID)
	}

	sold := pos.TargetAmount.Clone()
	full := true
	if req.sell != nil {
		if req.sell.IsZero() {
			return nil, ErrInvalidAmount
		}
		if req.sell.Gt(pos.TargetAmount) || (req.decrease && !req.sell.Lt(pos.TargetAmount)) {
			return nil, fmt.Errorf("%w: sell %s of %s", ErrExceedsPosition, req.sell.Dec(), pos.TargetAmount.Dec())
		}
		sold = req.sell.Clone()
		full = sold.Eq(pos.TargetAmount)
	}

	dv, err := c.loadDebt(tx, pos)
	if err != nil {
		return nil, err
	}
	price, err := c.positionPrice(ctx, pos.SourceAsset, pos.TargetAsset, req.oracleRoute)
	if err != nil {
		return nil, err
	}
	if req.reason.KeeperTriggered() {
		trigger, err := state.TriggerFor(req.reason)
		if err != nil {
			return nil, err
		}
		h, err := c.health(pos, pos.TargetAmount, dv.real, price)
		if err != nil {
			return nil, err
		}
		if err := trigger.Evaluate(state.TriggerInput{Position: pos, OraclePrice: price, Health: h}); err != nil {
			return nil, err
		}
	}

	scaledSlice := pos.ScaledDebt()
	if !full {
		scaledSlice, err = fpmath.MulDiv(scaledSlice, sold, pos.TargetAmount, fpmath.RoundUp)
		if err != nil {
			return nil, err
		}
		scaledSlice = fpmath.Min(scaledSlice, pos.ScaledDebt())
	}
	remainingTarget := new(uint256.Int).Sub(pos.TargetAmount, sold)
	remainingScaled := new(uint256.Int).Sub(pos.ScaledDebt(), scaledSlice)

	if req.decrease {
		remainingDebt, err := state.DebtFromScaled(remainingScaled, dv.bucket.BorrowIndex)
		if err != nil {
			return nil, err
		}
		h, err := c.health(pos, remainingTarget, remainingDebt, price)
		if err != nil {
			return nil, err
		}
		if risk.IsLiquidatable(h) {
			return nil, fmt.Errorf("%w: health %s", ErrUnhealthyAfter, fpmath.FormatWad(h))
		}
	}

	// Fees and settlement are checked on the quoted proceeds before the sale executes.
	sale, err := c.quoteSwap(ctx, pos.TargetAsset, pos.SourceAsset, sold, req.minOut, req.swapRoute, req.oracleRoute)
	if err != nil {
		return nil, err
	}
	expectedDebt := new(uint256.Int)
	if !pos.IsSpot() && !scaledSlice.IsZero() {
		if expectedDebt, err = state.DebtFromScaled(scaledSlice, dv.bucket.BorrowIndex); err != nil {
			return nil, err
		}
	}
	if _, err := c.settle(ctx, pos, req, sold, sale.quoted, expectedDebt); err != nil {
		return nil, err
	}

	gross, err := c.executeSwap(ctx, sale)
	if err != nil {
		return nil, err
	}

	// External calls are done; burn the debt slice and repay the pool.
	repaid := new(uint256.Int)
	if !pos.IsSpot() && !scaledSlice.IsZero() {
		if repaid, err = dv.token.BurnScaled(pos.Owner, scaledSlice); err != nil {
			return nil, err
		}
		if err := dv.bucket.Repay(repaid); err != nil {
			return nil, err
		}
	}

	st, err := c.settle(ctx, pos, req, sold, gross, repaid)
	if err != nil {
		return nil, err
	}
	result, feeAsset := st.result, st.feeAsset
	eff := &effects{}
	if d := st.discount; d != nil {
		eff.transfer(ledger.Transfer{
			From:   ledger.NewUserAccountKey(pos.Owner, ledger.SubTypeAvailable, d.Token),
			To:     ledger.NewSystemAccountKey(ledger.SubTypeSystemFees, d.Token),
			Amount: d.Amount,
			Type:   ledger.JournalTypeProtocolFee,
		})
	}
	eff.transfer(st.transfers...)

	next := pos.Clone()
	if full {
		if err := next.Transition(req.reason.TerminalStatus()); err != nil {
			return nil, err
		}
		eff.then(pos.ID, func() error {
			_, err := c.positionManager.Remove(pos.ID)
			if err == nil && c.metrics != nil {
				c.metrics.PositionsClosed.WithLabelValues(req.reason.String()).Inc()
			}
			return err
		})
	} else {
		deposit, err := c.shrinkDeposit(pos, sold, result, req.decrease)
		if err != nil {
			return nil, err
		}
		if err := next.Transition(state.PositionStatusDecreased); err != nil {
			return nil, err
		}
		next.TargetAmount = remainingTarget
		setFunding(next, deposit, remainingScaled)
		if err := next.Transition(state.PositionStatusActive); err != nil {
			return nil, err
		}
		eff.then(pos.ID, func() error { return c.positionManager.Replace(next) })
	}

	if req.decrease {
		debtLeft, err := c.debtOf(next)
		if err != nil {
			return nil, err
		}
		eff.emit(&event.DepositChanged{
			PositionID: uint64(pos.ID),
			Owner:      pos.Owner,
			Increased:  false,
			Deposit:    next.DepositInSource().Dec(),
			Debt:       debtLeft.Dec(),
			Target:     next.TargetAmount.Dec(),
			Leverage:   next.Leverage.Dec(),
		})
		return eff, nil
	}

	outputFee := result.ProtocolFee
	if d := st.discount; d != nil {
		outputFee = d.Amount
	}
	eff.emit(&event.PositionClosed{
		PositionID:     uint64(pos.ID),
		Owner:          pos.Owner,
		Closer:         req.closer,
		Reason:         req.reason.String(),
		Partial:        !full,
		SourceAsset:    pos.SourceAsset,
		DecreaseAmount: result.DecreaseAmount.Dec(),
		GrossProceeds:  result.GrossProceeds.Dec(),
		RepaidDebt:     result.RepaidDebt.Dec(),
		ProtocolFee:    outputFee.Dec(),
		FeeAsset:       feeAsset,
		KeeperReward:   result.KeeperReward.Dec(),
		OutputAmount:   result.OutputAmount.Dec(),
		RealizedPnL:    result.RealizedPnL.String(),
		ShortfallCover: result.ShortfallCover.Dec(),
		ToTreasury:     result.ToTreasury.Dec(),
	})
	return eff, nil
}

// closeSettlement is the fee and routing of a close for one sale outcome.
type closeSettlement struct {
	result    *CloseResult
	transfers []ledger.Transfer
	feeAsset  string
	discount  *fee.Discounted
}

// settle prices the close fee and plans the settlement for the given proceeds and repaid
// debt. It mutates nothing, so it runs on the quote before the sale and again after it.
func (c *DeterministicCore) settle(ctx context.Context, pos *state.Position, req closeRequest, sold, gross, debt *uint256.Int) (*closeSettlement, error) {
	st := &closeSettlement{feeAsset: pos.SourceAsset}
	protocolFee, cut := new(uint256.Int), new(uint256.Int)
	available := c.balanceTracker.Available(pos.Owner, pos.SourceAsset)

	if !req.decrease {
		f, err := c.fees.Compute(ctx, fee.Request{Op: closeOp(req.reason), Asset: pos.SourceAsset, PositionSize: gross, Route: req.oracleRoute})
		if err != nil {
			return nil, err
		}
		switch {
		case req.reason.KeeperTriggered():
			protocolFee = f.Amount
			if cut, err = c.fees.KeeperCut(f); err != nil {
				return nil, err
			}
		case req.feeInDiscount:
			d, err := c.fees.ToDiscountToken(ctx, f, req.oracleRoute)
			if err != nil {
				return nil, err
			}
			if err := c.balanceTracker.ValidateSufficientAvailable(pos.Owner, d.Token, d.Amount); err != nil {
				return nil, fmt.Errorf("discount fee: %w", err)
			}
			if d.Token == pos.SourceAsset {
				available = new(uint256.Int).Sub(available, d.Amount)
			}
			st.feeAsset, st.discount = d.Token, &d
		default:
			protocolFee = f.Amount
		}
	}

	result, transfers, err := PlanSettlement(SettlementInput{
		Owner:          pos.Owner,
		Closer:         req.closer,
		Reason:         req.reason,
		SourceAsset:    pos.SourceAsset,
		TargetAsset:    pos.TargetAsset,
		Pool:           pos.Pool(),
		SoldTarget:     sold,
		Gross:          gross,
		Debt:           debt,
		Fee:            protocolFee,
		KeeperCut:      cut,
		OwnerAvailable: available,
	})
	if err != nil {
		return nil, err
	}
	st.result, st.transfers = result, transfers
	return st, nil
}

// shrinkDeposit is the deposit left after selling part of a position. A partial close keeps it
// proportional to the remaining target; a deposit decrease takes out what was paid to the owner.
func (c *DeterministicCore) shrinkDeposit(pos *state.Position, sold *uint256.Int, result *CloseResult, decrease bool) (*uint256.Int, error) {
	deposit := pos.DepositInSource()
	if decrease {
		paid := new(uint256.Int).Sub(result.OutputAmount, fpmath.Min(result.OutputAmount, result.RepaidDebt))
		return new(uint256.Int).Sub(deposit, fpmath.Min(deposit, paid)), nil
	}
	remaining := new(uint256.Int).Sub(pos.TargetAmount, sold)
	return fpmath.MulDiv(deposit, remaining, pos.TargetAmount, fpmath.RoundDown)
}

// setFunding rewrites a position's variant. A leveraged position whose debt reaches zero
// becomes spot in its source asset.
func setFunding(p *state.Position, deposit, scaled *uint256.Int) {
	if l, ok := p.Funding.(state.Leveraged); ok {
		if scaled.IsZero() {
			p.Funding = state.Spot{DepositAsset: p.SourceAsset, DepositAmount: deposit}
			p.OpenIndex = nil
			return
		}
		p.Funding = state.Leveraged{Pool: l.Pool, ScaledDebt: scaled, DepositInSourceAsset: deposit}
		return
	}
	s := p.Funding.(state.Spot)
	p.Funding = state.Spot{DepositAsset: s.DepositAsset, DepositAmount: deposit}
}

func (c *DeterministicCore) debtOf(p *state.Position) (*uint256.Int, error) {
	if p.IsSpot() {
		return new(uint256.Int), nil
	}
	return state.DebtFromScaled(p.ScaledDebt(), c.pools[p.Pool()].BorrowIndex)
}

func (c *DeterministicCore) handleClosePosition(ctx context.Context, tx *txn, evt *event.ClosePosition) (*effects, error) {
	return c.closePosition(ctx, tx, closeRequest{
		positionID:    evt.PositionID,
		closer:        evt.Owner,
		reason:        state.CloseReasonOwner,
		minOut:        evt.MinOut,
		swapRoute:     evt.SwapRoute,
		oracleRoute:   evt.OracleRoute,
		feeInDiscount: evt.FeeInDiscountToken,
	})
}

func (c *DeterministicCore) handlePartialClose(ctx context.Context, tx *txn, evt *event.PartialClose) (*effects, error) {
	if !positive(evt.TargetAmount) {
		return nil, ErrInvalidAmount
	}
	return c.closePosition(ctx, tx, closeRequest{
		positionID:    evt.PositionID,
		closer:        evt.Owner,
		reason:        state.CloseReasonOwner,
		sell:          evt.TargetAmount,
		minOut:        evt.MinOut,
		swapRoute:     evt.SwapRoute,
		oracleRoute:   evt.OracleRoute,
		feeInDiscount: evt.FeeInDiscountToken,
	})
}

// handleCloseByCondition is open to any closer; the trigger decides.
func (c *DeterministicCore) handleCloseByCondition(ctx context.Context, tx *txn, evt *event.CloseByCondition) (*effects, error) {
	if !evt.Reason.KeeperTriggered() {
		return nil, fmt.Errorf("%w: reason %s is not a keeper close", ErrUnauthorized, evt.Reason)
	}
	return c.closePosition(ctx, tx, closeRequest{
		positionID:  evt.PositionID,
		closer:      evt.Closer,
		reason:      evt.Reason,
		swapRoute:   evt.SwapRoute,
		oracleRoute: evt.OracleRoute,
	})
}

func (c *DeterministicCore) handleDecreaseDeposit(ctx context.Context, tx *txn, evt *event.DecreaseDeposit) (*effects, error) {
	if !positive(evt.TargetAmount) {
		return nil, ErrInvalidAmount
	}
	return c.closePosition(ctx, tx, closeRequest{
		positionID:  evt.PositionID,
		closer:      evt.Owner,
		reason:      state.CloseReasonOwner,
		sell:        evt.TargetAmount,
		minOut:      evt.MinOut,
		swapRoute:   evt.SwapRoute,
		oracleRoute: evt.OracleRoute,
		decrease:    true,
	})
}

// handleIncreaseDeposit repays debt with new collateral. It never borrows.
func (c *DeterministicCore) handleIncreaseDeposit(ctx context.Context, tx *txn, evt *event.IncreaseDeposit) (*effects, error) {
	if !positive(evt.Amount) {
		return nil, ErrInvalidAmount
	}
	pos := c.positionManager.GetPosition(evt.PositionID)
	if pos == nil {
		return nil, fmt.Errorf("%w: %d", state.ErrPositionNotFound, evt.PositionID)
	}
	if pos.Owner != evt.Owner {
		return nil, fmt.Errorf("%w: position %d", ErrUnauthorized, pos.ID)
	}
	if pos.IsSpot() {
		return nil, fmt.Errorf("%w: increase deposit on %d", ErrSpotPosition, pos.ID)
	}
	if _, err := c.assets.Get(evt.Asset); err != nil {
		return nil, err
	}
	if evt.Asset != pos.SourceAsset && len(evt.ConversionRoute) == 0 {
		return nil, fmt.Errorf("%w: %s into %s", ErrMissingConversion, evt.Asset, pos.SourceAsset)
	}
	if err := c.balanceTracker.ValidateSufficientAvailable(pos.Owner, evt.Asset, evt.Amount); err != nil {
		return nil, err
	}
	dv, err := c.loadDebt(tx, pos)
	if err != nil {
		return nil, err
	}

	added := evt.Amount.Clone()
	var conversion *swapPlan
	if evt.Asset != pos.SourceAsset {
		conversion, err = c.quoteSwap(ctx, evt.Asset, pos.SourceAsset, evt.Amount, nil, evt.ConversionRoute, evt.OracleRoute)
		if err != nil {
			return nil, fmt.Errorf("deposit conversion: %w", err)
		}
		added = conversion.quoted
	}
	if added.Gt(dv.real) {
		return nil, fmt.Errorf("%w: %s > debt %s", ErrExceedsDebt, added.Dec(), dv.real.Dec())
	}

	eff := &effects{}
	owner := ledger.NewUserAccountKey(pos.Owner, ledger.SubTypeAvailable, evt.Asset)
	poolAccount := ledger.NewPoolAccountKey(pos.Pool(), pos.SourceAsset)
	if conversion != nil {
		if added, err = c.executeSwap(ctx, conversion); err != nil {
			return nil, fmt.Errorf("deposit conversion: %w", err)
		}
		if added.Gt(dv.real) {
			return nil, fmt.Errorf("%w: %s > debt %s", ErrExceedsDebt, added.Dec(), dv.real.Dec())
		}
		eff.transfer(
			ledger.ToExchange(owner, evt.Amount),
			ledger.FromExchange(poolAccount, added, ledger.JournalTypeRepay),
		)
	} else {
		eff.transfer(ledger.Transfer{From: owner, To: poolAccount, Amount: added, Type: ledger.JournalTypeRepay})
	}

	burn := pos.ScaledDebt()
	if added.Lt(dv.real) {
		if burn, err = state.ScaledFromDebt(added, dv.bucket.BorrowIndex, fpmath.RoundDown); err != nil {
			return nil, err
		}
	}
	if _, err := dv.token.BurnScaled(pos.Owner, burn); err != nil {
		return nil, err
	}
	if err := dv.bucket.Repay(added); err != nil {
		return nil, err
	}

	next := pos.Clone()
	if err := next.Transition(state.PositionStatusIncreased); err != nil {
		return nil, err
	}
	deposit, err := fpmath.Add(pos.DepositInSource(), added)
	if err != nil {
		return nil, err
	}
	remainingScaled := new(uint256.Int).Sub(pos.ScaledDebt(), burn)
	remainingDebt, err := state.DebtFromScaled(remainingScaled, dv.bucket.BorrowIndex)
	if err != nil {
		return nil, err
	}
	sDec, err := c.assets.Decimals(pos.SourceAsset)
	if err != nil {
		return nil, err
	}
	exposure, err := fpmath.Add(deposit, remainingDebt)
	if err != nil {
		return nil, err
	}
	if next.Leverage, err = fpmath.Ratio(exposure, sDec, deposit, sDec, fpmath.RoundHalfUp); err != nil {
		return nil, err
	}
	setFunding(next, deposit, remainingScaled)
	if err := next.Transition(state.PositionStatusActive); err != nil {
		return nil, err
	}
	eff.then(pos.ID, func() error { return c.positionManager.Replace(next) })
	eff.emit(&event.DepositChanged{
		PositionID: uint64(pos.ID),
		Owner:      pos.Owner,
		Increased:  true,
		Deposit:    deposit.Dec(),
		Debt:       remainingDebt.Dec(),
		Target:     next.TargetAmount.Dec(),
		Leverage:   next.Leverage.Dec(),
	})
	return eff, nil
}

func (c *DeterministicCore) handleUpdateConditions(tx *txn, evt *event.UpdateConditions) (*effects, error) {
	pos := c.positionManager.GetPosition(evt.PositionID)
	if pos == nil {
		return nil, fmt.Errorf("%w: %d", state.ErrPositionNotFound, evt.PositionID)
	}
	if pos.Owner != evt.Owner {
		return nil, fmt.Errorf("%w: position %d", ErrUnauthorized, pos.ID)
	}
	if err := state.ValidateConditions(evt.Conditions); err != nil {
		return nil, err
	}

	next := pos.Clone()
	next.Conditions = append([]state.CloseCondition(nil), evt.Conditions...)
	next.ConditionsUpdatedAt = tx.now
	next.Version++

	eff := &effects{}
	eff.then(pos.ID, func() error { return c.positionManager.Replace(next) })
	eff.emit(&event.ConditionsUpdated{
		PositionID: uint64(pos.ID),
		Owner:      pos.Owner,
		Conditions: toWire(next.Conditions),
		UpdatedAt:  tx.now,
	})
	return eff, nil
}
