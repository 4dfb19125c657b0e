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
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// openRequest is the shared shape of a market open and a limit order fill.
type openRequest struct {
	owner         uuid.UUID
	funding       ledger.AccountKey // where the deposit is taken from
	depositAsset  string
	depositAmount *uint256.Int
	pool          string
	borrow        *uint256.Int
	target        string
	minTarget     *uint256.Int
	swapRoute     exchange.Route
	conversion    exchange.Route
	oracleRoute   oracle.RouteData
	conditions    []state.CloseCondition
	feeInDiscount bool
	op            fee.Operation
	keeper        uuid.UUID
	orderID       state.OrderID
}

// openShape checks the spot/leveraged request shape and returns the source asset.
func (c *DeterministicCore) openShape(tx *txn, depositAsset string, depositAmount *uint256.Int, pool string, borrow *uint256.Int, target string, conversion exchange.Route) (string, error) {
	if !positive(depositAmount) {
		return "", ErrInvalidAmount
	}
	if _, err := c.assets.Get(depositAsset); err != nil {
		return "", err
	}
	if _, err := c.assets.Get(target); err != nil {
		return "", err
	}

	if pool == "" {
		if positive(borrow) {
			return "", fmt.Errorf("%w: spot request borrows %s", ErrInvalidAmount, borrow.Dec())
		}
		if depositAsset == target {
			return "", fmt.Errorf("%w: %s", ErrSameAsset, target)
		}
		if len(conversion) > 0 {
			return "", ErrSpotConversionRoute
		}
		return depositAsset, nil
	}

	if !positive(borrow) {
		return "", fmt.Errorf("%w: leveraged request without borrow", ErrInvalidAmount)
	}
	bucket, _, err := tx.pool(pool)
	if err != nil {
		return "", err
	}
	source := bucket.Asset
	if source == target {
		return "", fmt.Errorf("%w: pool %s lends the target asset %s", ErrPoolAssetMismatch, pool, target)
	}
	if depositAsset != source && len(conversion) == 0 {
		return "", fmt.Errorf("%w: %s into %s", ErrMissingConversion, depositAsset, source)
	}
	if borrow.Gt(bucket.Available()) {
		return "", fmt.Errorf("%w: pool %s has %s, requested %s",
			state.ErrInsufficientLiquidity, pool, bucket.Available().Dec(), borrow.Dec())
	}
	if _, err := c.riskParams.GetPoolParams(pool); err != nil {
		return "", err
	}
	return source, nil
}

// open runs every fallible step of an open, mutates pool and debt inside tx and stages the
// position insert.
func (c *DeterministicCore) open(ctx context.Context, tx *txn, req openRequest) (*effects, *state.Position, error) {
	source, err := c.openShape(tx, req.depositAsset, req.depositAmount, req.pool, req.borrow, req.target, req.conversion)
	if err != nil {
		return nil, nil, err
	}
	if err := state.ValidateConditions(req.conditions); err != nil {
		return nil, nil, err
	}
	if bal := c.balanceTracker.GetBalance(req.funding); bal.Cmp(req.depositAmount.ToBig()) < 0 {
		return nil, nil, fmt.Errorf("%w: %s has %s, deposit %s",
			ledger.ErrInsufficientBalance, req.funding.AccountPath(), bal, req.depositAmount.Dec())
	}
	if _, err := c.riskParams.GetPairParams(source, req.target); err != nil {
		return nil, nil, err
	}
	sDec, err := c.assets.Decimals(source)
	if err != nil {
		return nil, nil, err
	}
	tDec, err := c.assets.Decimals(req.target)
	if err != nil {
		return nil, nil, err
	}

	// Every check that can reject the open runs on quotes before any swap executes.
	var conversion *swapPlan
	depositInSource := req.depositAmount.Clone()
	if req.depositAsset != source {
		conversion, err = c.quoteSwap(ctx, req.depositAsset, source, req.depositAmount, nil, req.conversion, req.oracleRoute)
		if err != nil {
			return nil, nil, fmt.Errorf("deposit conversion: %w", err)
		}
		depositInSource = conversion.quoted
	}
	costs, err := c.priceOpen(ctx, req, source, depositInSource)
	if err != nil {
		return nil, nil, err
	}
	purchase, err := c.quoteSwap(ctx, source, req.target, costs.swapIn, req.minTarget, req.swapRoute, req.oracleRoute)
	if err != nil {
		return nil, nil, err
	}

	if conversion != nil {
		if depositInSource, err = c.executeSwap(ctx, conversion); err != nil {
			return nil, nil, fmt.Errorf("deposit conversion: %w", err)
		}
		if !depositInSource.Eq(conversion.quoted) {
			if costs, err = c.priceOpen(ctx, req, source, depositInSource); err != nil {
				return nil, nil, err
			}
			if purchase, err = c.quoteSwap(ctx, source, req.target, costs.swapIn, req.minTarget, req.swapRoute, req.oracleRoute); err != nil {
				return nil, nil, err
			}
		}
	}

	eff := &effects{}
	eff.transfer(ledger.ToExchange(req.funding, req.depositAmount))
	feeAsset, feeAmount := costs.fee.Asset, costs.fee.Amount
	if d := costs.discount; d != nil {
		feeAsset, feeAmount = d.Token, d.Amount
		eff.transfer(ledger.Transfer{
			From:   ledger.NewUserAccountKey(req.owner, ledger.SubTypeAvailable, d.Token),
			To:     ledger.NewSystemAccountKey(ledger.SubTypeSystemFees, d.Token),
			Amount: d.Amount,
			Type:   ledger.JournalTypeProtocolFee,
		})
	} else {
		eff.transfer(ledger.FromExchange(ledger.NewSystemAccountKey(ledger.SubTypeSystemFees, source), feeAmount, ledger.JournalTypeProtocolFee))
	}
	if req.op == fee.OpOpenByOrder && req.keeper != uuid.Nil {
		cut, err := c.fees.KeeperCut(fee.Fee{Asset: feeAsset, Amount: feeAmount})
		if err != nil {
			return nil, nil, err
		}
		eff.transfer(ledger.Transfer{
			From:   ledger.NewSystemAccountKey(ledger.SubTypeSystemFees, feeAsset),
			To:     ledger.NewUserAccountKey(req.keeper, ledger.SubTypeAvailable, feeAsset),
			Amount: cut,
			Type:   ledger.JournalTypeKeeperReward,
		})
	}

	targetOut, err := c.executeSwap(ctx, purchase)
	if err != nil {
		return nil, nil, err
	}
	total, borrow := costs.total, fpmath.OrZero(req.borrow)
	entryPrice, err := fpmath.Ratio(total, sDec, targetOut, tDec, fpmath.RoundHalfUp)
	if err != nil {
		return nil, nil, fmt.Errorf("entry price: %w", err)
	}
	leverage, err := fpmath.Ratio(total, sDec, depositInSource, sDec, fpmath.RoundHalfUp)
	if err != nil {
		return nil, nil, fmt.Errorf("leverage: %w", err)
	}

	pos := &state.Position{
		ID:                  c.positionManager.NextID(),
		Owner:               req.owner,
		SourceAsset:         source,
		TargetAsset:         req.target,
		TargetAmount:        targetOut,
		EntryPrice:          entryPrice,
		Leverage:            leverage,
		CreatedAt:           tx.now,
		ConditionsUpdatedAt: tx.now,
		Conditions:          req.conditions,
		Status:              state.PositionStatusActive,
		OracleRoute:         string(req.oracleRoute),
	}

	// External calls are done; from here on pool and debt change.
	if req.pool == "" {
		pos.Funding = state.Spot{DepositAsset: req.depositAsset, DepositAmount: depositInSource}
	} else {
		bucket, debt, err := tx.pool(req.pool)
		if err != nil {
			return nil, nil, err
		}
		if err := bucket.Borrow(borrow); err != nil {
			return nil, nil, err
		}
		scaled, err := debt.Mint(req.owner, borrow)
		if err != nil {
			return nil, nil, err
		}
		pos.OpenIndex = bucket.BorrowIndex.Clone()
		pos.Funding = state.Leveraged{Pool: req.pool, ScaledDebt: scaled, DepositInSourceAsset: depositInSource}
		eff.transfer(ledger.Transfer{
			From:   ledger.NewPoolAccountKey(req.pool, source),
			To:     ledger.NewExternalAccountKey(ledger.SubTypeExternalExchange, source),
			Amount: borrow,
			Type:   ledger.JournalTypeBorrow,
		})
	}
	pos = pos.Clone()

	eff.transfer(ledger.FromExchange(ledger.NewUserAccountKey(req.owner, ledger.SubTypeLocked, req.target), targetOut, ledger.JournalTypeSwapOut))
	eff.then(pos.ID, func() error {
		if id := c.positionManager.Insert(pos); id != pos.ID {
			return fmt.Errorf("position id drifted: planned %d, got %d", pos.ID, id)
		}
		if c.metrics != nil {
			c.metrics.PositionsOpened.WithLabelValues(positionKind(pos)).Inc()
		}
		return nil
	})
	eff.emit(&event.PositionOpened{
		PositionID:   uint64(pos.ID),
		Owner:        pos.Owner,
		SourceAsset:  source,
		TargetAsset:  pos.TargetAsset,
		TargetAmount: targetOut.Dec(),
		Pool:         req.pool,
		Borrowed:     borrow.Dec(),
		Deposit:      depositInSource.Dec(),
		EntryPrice:   entryPrice.Dec(),
		Leverage:     leverage.Dec(),
		Fee:          feeAmount.Dec(),
		FeeAsset:     feeAsset,
		Conditions:   toWire(pos.Conditions),
		OrderID:      uint64(req.orderID),
	})
	return eff, pos, nil
}

// openCosts are the costs of an open derived from its deposit in the source asset.
type openCosts struct {
	total    *uint256.Int
	fee      fee.Fee
	discount *fee.Discounted // set when the fee is paid in the discount token
	swapIn   *uint256.Int
}

// priceOpen sizes an open and prices its fee. It runs on the quoted deposit before any swap
// and again on the executed one.
func (c *DeterministicCore) priceOpen(ctx context.Context, req openRequest, source string, depositInSource *uint256.Int) (openCosts, error) {
	total, err := fpmath.Add(depositInSource, fpmath.OrZero(req.borrow))
	if err != nil {
		return openCosts{}, err
	}
	if err := c.checkSize(ctx, source, req.target, total, req.oracleRoute); err != nil {
		return openCosts{}, err
	}
	f, err := c.fees.Compute(ctx, fee.Request{Op: req.op, Asset: source, PositionSize: total, Route: req.oracleRoute})
	if err != nil {
		return openCosts{}, err
	}
	costs := openCosts{total: total, fee: f, swapIn: total}

	if req.feeInDiscount {
		d, err := c.fees.ToDiscountToken(ctx, f, req.oracleRoute)
		if err != nil {
			return openCosts{}, err
		}
		required := d.Amount
		if req.funding == ledger.NewUserAccountKey(req.owner, ledger.SubTypeAvailable, d.Token) {
			if required, err = fpmath.Add(required, req.depositAmount); err != nil {
				return openCosts{}, err
			}
		}
		if err := c.balanceTracker.ValidateSufficientAvailable(req.owner, d.Token, required); err != nil {
			return openCosts{}, fmt.Errorf("discount fee: %w", err)
		}
		costs.discount = &d
		return costs, nil
	}

	if !f.Amount.Lt(depositInSource) {
		return openCosts{}, fmt.Errorf("%w: fee %s, deposit %s", ErrFeeExceedsDeposit, f.Amount.Dec(), depositInSource.Dec())
	}
	costs.swapIn = new(uint256.Int).Sub(total, f.Amount)
	return costs, nil
}

func positionKind(p *state.Position) string {
	if p.IsSpot() {
		return "spot"
	}
	return "leveraged"
}

func (c *DeterministicCore) handleOpenPosition(ctx context.Context, tx *txn, evt *event.OpenPosition) (*effects, error) {
	eff, _, err := c.open(ctx, tx, openRequest{
		owner:         evt.Owner,
		funding:       ledger.NewUserAccountKey(evt.Owner, ledger.SubTypeAvailable, evt.DepositAsset),
		depositAsset:  evt.DepositAsset,
		depositAmount: evt.DepositAmount,
		pool:          evt.Pool,
		borrow:        evt.BorrowAmount,
		target:        evt.TargetAsset,
		minTarget:     evt.MinTargetAmount,
		swapRoute:     evt.SwapRoute,
		conversion:    evt.ConversionRoute,
		oracleRoute:   evt.OracleRoute,
		conditions:    evt.Conditions,
		feeInDiscount: evt.FeeInDiscountToken,
		op:            fee.OpOpenMarket,
	})
	return eff, err
}

// --- Limit orders ---

func (c *DeterministicCore) handleCreateLimitOrder(tx *txn, evt *event.CreateLimitOrder) (*effects, error) {
	if _, err := c.openShape(tx, evt.DepositAsset, evt.DepositAmount, evt.Pool, evt.BorrowAmount, evt.TargetAsset, nil); err != nil {
		return nil, err
	}
	if !positive(evt.LimitPrice) {
		return nil, fmt.Errorf("%w: limit price", ErrInvalidAmount)
	}
	if err := state.ValidateConditions(evt.Conditions); err != nil {
		return nil, err
	}
	var expiresAt int64
	if !evt.ExpiresAt.IsZero() {
		expiresAt = evt.ExpiresAt.Unix()
		if expiresAt <= tx.now {
			return nil, fmt.Errorf("%w: expiry %d not after %d", ErrOrderExpired, expiresAt, tx.now)
		}
	}
	if err := c.balanceTracker.ValidateSufficientAvailable(evt.Owner, evt.DepositAsset, evt.DepositAmount); err != nil {
		return nil, err
	}

	order := &state.LimitOrder{
		ID:                 c.orderBook.NextID(),
		Owner:              evt.Owner,
		DepositAsset:       evt.DepositAsset,
		DepositAmount:      evt.DepositAmount.Clone(),
		Pool:               evt.Pool,
		BorrowAmount:       fpmath.OrZero(evt.BorrowAmount).Clone(),
		TargetAsset:        evt.TargetAsset,
		LimitPrice:         evt.LimitPrice.Clone(),
		Conditions:         evt.Conditions,
		FeeInDiscountToken: evt.FeeInDiscountToken,
		CreatedAt:          tx.now,
		ExpiresAt:          expiresAt,
	}

	eff := &effects{}
	eff.transfer(ledger.Lock(evt.Owner, evt.DepositAsset, evt.DepositAmount))
	eff.then(0, func() error {
		if id := c.orderBook.Insert(order); id != order.ID {
			return fmt.Errorf("order id drifted: planned %d, got %d", order.ID, id)
		}
		return nil
	})
	eff.emit(&event.OrderCreated{
		OrderID:    uint64(order.ID),
		Owner:      order.Owner,
		Asset:      order.DepositAsset,
		Amount:     order.DepositAmount.Dec(),
		Target:     order.TargetAsset,
		LimitPrice: order.LimitPrice.Dec(),
	})
	return eff, nil
}

// handleCancelLimitOrder lets the owner cancel at any time and anyone cancel an expired order.
func (c *DeterministicCore) handleCancelLimitOrder(tx *txn, evt *event.CancelLimitOrder) (*effects, error) {
	order := c.orderBook.Get(evt.OrderID)
	if order == nil {
		return nil, fmt.Errorf("%w: %d", state.ErrOrderNotFound, evt.OrderID)
	}
	if order.Owner != evt.Owner && !order.Expired(tx.now) {
		return nil, fmt.Errorf("%w: order %d", ErrUnauthorized, order.ID)
	}

	eff := &effects{}
	eff.transfer(ledger.Unlock(order.Owner, order.DepositAsset, order.DepositAmount))
	eff.then(0, func() error {
		_, err := c.orderBook.Remove(order.ID)
		return err
	})
	eff.emit(&event.OrderClosed{OrderID: uint64(order.ID), Owner: order.Owner, Reason: event.OrderCancelled})
	return eff, nil
}

func (c *DeterministicCore) handleFillLimitOrder(ctx context.Context, tx *txn, evt *event.FillLimitOrder) (*effects, error) {
	order := c.orderBook.Get(evt.OrderID)
	if order == nil {
		return nil, fmt.Errorf("%w: %d", state.ErrOrderNotFound, evt.OrderID)
	}
	if order.Expired(tx.now) {
		return nil, fmt.Errorf("%w: order %d expired at %d", ErrOrderExpired, order.ID, order.ExpiresAt)
	}

	source := order.DepositAsset
	if !order.IsSpot() {
		bucket, _, err := tx.pool(order.Pool)
		if err != nil {
			return nil, err
		}
		source = bucket.Asset
	}
	price, err := c.positionPrice(ctx, source, order.TargetAsset, evt.OracleRoute)
	if err != nil {
		return nil, err
	}
	if !order.Fillable(price) {
		return nil, fmt.Errorf("%w: order %d limit %s, oracle %s", ErrOrderNotFillable,
			order.ID, fpmath.FormatWad(order.LimitPrice), fpmath.FormatWad(price))
	}

	eff, pos, err := c.open(ctx, tx, openRequest{
		owner:         order.Owner,
		funding:       ledger.NewUserAccountKey(order.Owner, ledger.SubTypeLocked, order.DepositAsset),
		depositAsset:  order.DepositAsset,
		depositAmount: order.DepositAmount,
		pool:          order.Pool,
		borrow:        order.BorrowAmount,
		target:        order.TargetAsset,
		minTarget:     evt.MinTargetAmount,
		swapRoute:     evt.SwapRoute,
		conversion:    evt.ConversionRoute,
		oracleRoute:   evt.OracleRoute,
		conditions:    order.Conditions,
		feeInDiscount: order.FeeInDiscountToken,
		op:            fee.OpOpenByOrder,
		keeper:        evt.Keeper,
		orderID:       order.ID,
	})
	if err != nil {
		return nil, err
	}

	reason := event.OrderFilledMargin
	if order.IsSpot() {
		reason = event.OrderFilledSpot
	}
	eff.then(0, func() error {
		_, err := c.orderBook.Remove(order.ID)
		return err
	})
	eff.emit(&event.OrderClosed{OrderID: uint64(order.ID), Owner: order.Owner, Reason: reason, PositionID: uint64(pos.ID)})
	return eff, nil
}
