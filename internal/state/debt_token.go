package state

import (
	"errors"
	"fmt"

	fpmath "MarginLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrBurnExceedsBalance = errors.New("debt: burn exceeds scaled balance")

// DebtToken tracks scaled debt per holder against one pool's borrow index.
// Real debt = scaled * index / RAY.
type DebtToken struct {
	pool        *Bucket
	scaled      map[uuid.UUID]*uint256.Int
	totalScaled *uint256.Int
}

func NewDebtToken(pool *Bucket) *DebtToken {
	return &DebtToken{
		pool:        pool,
		scaled:      make(map[uuid.UUID]*uint256.Int),
		totalScaled: new(uint256.Int),
	}
}

// ScaledFromDebt converts a real amount to scaled units at the given index.
func ScaledFromDebt(amount, index *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	return fpmath.MulDiv(amount, fpmath.RAY(), index, mode)
}

// DebtFromScaled converts scaled units to a real amount at the given index, rounded up.
func DebtFromScaled(scaled, index *uint256.Int) (*uint256.Int, error) {
	return fpmath.MulDiv(scaled, index, fpmath.RAY(), fpmath.RoundUp)
}

// Mint records principal borrowed by holder. Scaled units round up so the pool is never short.
func (d *DebtToken) Mint(holder uuid.UUID, principal *uint256.Int) (*uint256.Int, error) {
	if principal.IsZero() {
		return nil, ErrZeroAmount
	}
	s, err := ScaledFromDebt(principal, d.pool.BorrowIndex, fpmath.RoundUp)
	if err != nil {
		return nil, fmt.Errorf("mint debt: %w", err)
	}
	d.scaled[holder] = new(uint256.Int).Add(d.ScaledBalanceOf(holder), s)
	d.totalScaled = new(uint256.Int).Add(d.totalScaled, s)
	return s, nil
}

// Burn repays a real amount. Repaying at least the full real balance clears the entry exactly.
// Returns the scaled units burned.
func (d *DebtToken) Burn(holder uuid.UUID, real *uint256.Int) (*uint256.Int, error) {
	bal := d.ScaledBalanceOf(holder)
	outstanding, err := d.RealBalanceOf(holder)
	if err != nil {
		return nil, err
	}
	if !real.Lt(outstanding) {
		return d.burnScaled(holder, bal), nil
	}

	s, err := ScaledFromDebt(real, d.pool.BorrowIndex, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("burn debt: %w", err)
	}
	return d.burnScaled(holder, s), nil
}

// BurnScaled removes an exact scaled amount and returns the real debt it represented.
func (d *DebtToken) BurnScaled(holder uuid.UUID, scaled *uint256.Int) (*uint256.Int, error) {
	if scaled.Gt(d.ScaledBalanceOf(holder)) {
		return nil, fmt.Errorf("%w: holder %s", ErrBurnExceedsBalance, holder)
	}
	real, err := DebtFromScaled(scaled, d.pool.BorrowIndex)
	if err != nil {
		return nil, err
	}
	d.burnScaled(holder, scaled)
	return real, nil
}

func (d *DebtToken) burnScaled(holder uuid.UUID, s *uint256.Int) *uint256.Int {
	bal := d.ScaledBalanceOf(holder)
	s = fpmath.Min(s, bal)
	remaining := new(uint256.Int).Sub(bal, s)
	if remaining.IsZero() {
		delete(d.scaled, holder)
	} else {
		d.scaled[holder] = remaining
	}
	d.totalScaled = new(uint256.Int).Sub(d.totalScaled, s)
	return s
}

func (d *DebtToken) ScaledBalanceOf(holder uuid.UUID) *uint256.Int {
	if s, ok := d.scaled[holder]; ok {
		return s.Clone()
	}
	return new(uint256.Int)
}

// RealBalanceOf is the interest-inclusive debt at the pool's current index.
func (d *DebtToken) RealBalanceOf(holder uuid.UUID) (*uint256.Int, error) {
	return DebtFromScaled(d.ScaledBalanceOf(holder), d.pool.BorrowIndex)
}

func (d *DebtToken) TotalScaled() *uint256.Int { return d.totalScaled.Clone() }

func (d *DebtToken) Holders() int { return len(d.scaled) }

func (d *DebtToken) Snapshot() map[uuid.UUID]*uint256.Int {
	out := make(map[uuid.UUID]*uint256.Int, len(d.scaled))
	for k, v := range d.scaled {
		out[k] = v.Clone()
	}
	return out
}

func (d *DebtToken) Restore(scaled map[uuid.UUID]*uint256.Int) {
	d.scaled = make(map[uuid.UUID]*uint256.Int, len(scaled))
	d.totalScaled = new(uint256.Int)
	for k, v := range scaled {
		d.scaled[k] = v.Clone()
		d.totalScaled.Add(d.totalScaled, v)
	}
}
