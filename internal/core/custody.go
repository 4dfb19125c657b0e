package core

import (
	"fmt"

	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

func (c *DeterministicCore) handleDeposit(evt *event.Deposit) (*effects, error) {
	if !positive(evt.Amount) {
		return nil, ErrInvalidAmount
	}
	if _, err := c.assets.Get(evt.Asset); err != nil {
		return nil, err
	}

	eff := &effects{}
	eff.transfer(ledger.Deposit(evt.Owner, evt.Asset, evt.Amount))
	eff.emit(c.custodyChanged(evt.Owner, evt.Asset, evt.Amount.Dec(), new(uint256.Int).Add(c.balanceTracker.Available(evt.Owner, evt.Asset), evt.Amount)))
	return eff, nil
}

func (c *DeterministicCore) handleWithdraw(evt *event.Withdraw) (*effects, error) {
	if !positive(evt.Amount) {
		return nil, ErrInvalidAmount
	}
	if _, err := c.assets.Get(evt.Asset); err != nil {
		return nil, err
	}
	if err := c.balanceTracker.ValidateSufficientAvailable(evt.Owner, evt.Asset, evt.Amount); err != nil {
		return nil, err
	}

	eff := &effects{}
	eff.transfer(ledger.Withdrawal(evt.Owner, evt.Asset, evt.Amount))
	eff.emit(c.custodyChanged(evt.Owner, evt.Asset, "-"+evt.Amount.Dec(), new(uint256.Int).Sub(c.balanceTracker.Available(evt.Owner, evt.Asset), evt.Amount)))
	return eff, nil
}

func (c *DeterministicCore) custodyChanged(owner uuid.UUID, asset, delta string, available *uint256.Int) *event.CustodyChanged {
	return &event.CustodyChanged{Owner: owner, Asset: asset, Delta: delta, Available: available.Dec()}
}

// handleSupplyLiquidity accrues the pool before minting shares so new liquidity never buys
// into interest it did not fund.
func (c *DeterministicCore) handleSupplyLiquidity(tx *txn, evt *event.SupplyLiquidity) (*effects, error) {
	if !positive(evt.Amount) {
		return nil, ErrInvalidAmount
	}
	bucket, _, err := tx.pool(evt.Pool)
	if err != nil {
		return nil, err
	}
	if err := c.balanceTracker.ValidateSufficientAvailable(evt.Provider, bucket.Asset, evt.Amount); err != nil {
		return nil, err
	}
	if _, err := bucket.Supply(evt.Provider, evt.Amount); err != nil {
		return nil, fmt.Errorf("supply %s: %w", evt.Pool, err)
	}

	eff := &effects{}
	eff.transfer(ledger.Transfer{
		From:   ledger.NewUserAccountKey(evt.Provider, ledger.SubTypeAvailable, bucket.Asset),
		To:     ledger.NewPoolAccountKey(bucket.Name, bucket.Asset),
		Amount: evt.Amount,
		Type:   ledger.JournalTypeLiquiditySupply,
	})
	eff.emit(liquidityChanged(tx, evt.Pool, evt.Provider, evt.Amount.Dec()))
	return eff, nil
}

func (c *DeterministicCore) handleWithdrawLiquidity(tx *txn, evt *event.WithdrawLiquidity) (*effects, error) {
	if !positive(evt.Amount) {
		return nil, ErrInvalidAmount
	}
	bucket, _, err := tx.pool(evt.Pool)
	if err != nil {
		return nil, err
	}
	if err := bucket.Withdraw(evt.Provider, evt.Amount); err != nil {
		return nil, fmt.Errorf("withdraw %s: %w", evt.Pool, err)
	}

	eff := &effects{}
	eff.transfer(ledger.Transfer{
		From:   ledger.NewPoolAccountKey(bucket.Name, bucket.Asset),
		To:     ledger.NewUserAccountKey(evt.Provider, ledger.SubTypeAvailable, bucket.Asset),
		Amount: evt.Amount,
		Type:   ledger.JournalTypeLiquidityWithdraw,
	})
	eff.emit(liquidityChanged(tx, evt.Pool, evt.Provider, "-"+evt.Amount.Dec()))
	return eff, nil
}

func liquidityChanged(tx *txn, pool string, provider uuid.UUID, delta string) *event.LiquidityChanged {
	b := tx.core.pools[pool]
	return &event.LiquidityChanged{
		Pool:           pool,
		Provider:       provider,
		Delta:          delta,
		TotalLiquidity: b.TotalLiquidity.Dec(),
		TotalBorrowed:  b.TotalBorrowed.Dec(),
		BorrowIndex:    b.BorrowIndex.Dec(),
	}
}
