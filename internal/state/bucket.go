package state

import (
	"errors"
	"fmt"

	fpmath "MarginLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity")
	ErrLiquidityInUse        = errors.New("pool: liquidity is lent out")
	ErrInsufficientShares    = errors.New("pool: insufficient provider shares")
	ErrZeroAmount            = errors.New("pool: amount must be positive")
)

// RateModel is a kinked utilization curve. All fields are WAD; rates are annual.
type RateModel struct {
	Base               *uint256.Int
	Slope1             *uint256.Int
	Slope2             *uint256.Int
	OptimalUtilization *uint256.Int
}

// BorrowRate evaluates the curve at the given utilization (WAD).
func (m *RateModel) BorrowRate(utilization *uint256.Int) (*uint256.Int, error) {
	opt := m.OptimalUtilization
	if opt.IsZero() || !opt.Lt(fpmath.WAD()) {
		return nil, fmt.Errorf("rate model: optimal utilization must be in (0, 1)")
	}

	if !utilization.Gt(opt) {
		// base + slope1 * u / opt
		part, err := fpmath.MulDiv(m.Slope1, utilization, opt, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		return fpmath.Add(m.Base, part)
	}

	// base + slope1 + slope2 * (u - opt) / (1 - opt)
	excess := new(uint256.Int).Sub(utilization, opt)
	span := new(uint256.Int).Sub(fpmath.WAD(), opt)
	part, err := fpmath.MulDiv(m.Slope2, excess, span, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	rate, err := fpmath.Add(m.Base, m.Slope1)
	if err != nil {
		return nil, err
	}
	return fpmath.Add(rate, part)
}

// Bucket is an interest-bearing lending pool for a single asset. Amounts are in the asset's
// base units; BorrowIndex is RAY; BorrowRate is an annual WAD rate.
type Bucket struct {
	Name           string
	Asset          string
	TotalLiquidity *uint256.Int
	TotalBorrowed  *uint256.Int
	BorrowIndex    *uint256.Int
	LastAccrual    int64 // unix seconds
	BorrowRate     *uint256.Int
	RateModel      *RateModel // optional; when set BorrowRate follows utilization

	totalShares *uint256.Int
	shares      map[uuid.UUID]*uint256.Int
}

func NewBucket(name, asset string, borrowRate *uint256.Int, createdAt int64) *Bucket {
	return &Bucket{
		Name:           name,
		Asset:          asset,
		TotalLiquidity: new(uint256.Int),
		TotalBorrowed:  new(uint256.Int),
		BorrowIndex:    fpmath.RAY(),
		LastAccrual:    createdAt,
		BorrowRate:     borrowRate.Clone(),
		totalShares:    new(uint256.Int),
		shares:         make(map[uuid.UUID]*uint256.Int),
	}
}

// Accrue compounds the borrow index up to now. Time never runs backwards for a pool:
// a timestamp at or before the last accrual leaves the pool untouched.
func (b *Bucket) Accrue(now int64) error {
	if now <= b.LastAccrual {
		return nil
	}
	elapsed := uint64(now - b.LastAccrual)

	factor, err := fpmath.CompoundInterest(b.BorrowRate, elapsed)
	if err != nil {
		return fmt.Errorf("pool %s: compound interest: %w", b.Name, err)
	}
	index, err := fpmath.RayMul(b.BorrowIndex, factor)
	if err != nil {
		return fmt.Errorf("pool %s: index: %w", b.Name, err)
	}
	borrowed, err := fpmath.RayMul(b.TotalBorrowed, factor)
	if err != nil {
		return fmt.Errorf("pool %s: borrowed: %w", b.Name, err)
	}
	interest := new(uint256.Int).Sub(borrowed, b.TotalBorrowed)
	liquidity, err := fpmath.Add(b.TotalLiquidity, interest)
	if err != nil {
		return fmt.Errorf("pool %s: liquidity: %w", b.Name, err)
	}

	b.BorrowIndex = index
	b.TotalBorrowed = borrowed
	b.TotalLiquidity = liquidity
	b.LastAccrual = now
	return nil
}

// Available is the liquidity not currently lent out.
func (b *Bucket) Available() *uint256.Int {
	if b.TotalBorrowed.Gt(b.TotalLiquidity) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(b.TotalLiquidity, b.TotalBorrowed)
}

// Utilization returns borrowed/liquidity as WAD.
func (b *Bucket) Utilization() *uint256.Int {
	if b.TotalLiquidity.IsZero() {
		return new(uint256.Int)
	}
	u, err := fpmath.MulDiv(b.TotalBorrowed, fpmath.WAD(), b.TotalLiquidity, fpmath.RoundDown)
	if err != nil {
		return fpmath.WAD()
	}
	return fpmath.Min(u, fpmath.WAD())
}

// Borrow takes amount out of the pool. The caller must have accrued first.
func (b *Bucket) Borrow(amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	if amount.Gt(b.Available()) {
		return fmt.Errorf("%w: pool %s has %s, requested %s",
			ErrInsufficientLiquidity, b.Name, b.Available().Dec(), amount.Dec())
	}
	b.TotalBorrowed = new(uint256.Int).Add(b.TotalBorrowed, amount)
	return b.refreshRate()
}

// Repay returns amount to the pool. Anything above the outstanding total is rounding residue
// from individual debts and is credited to liquidity.
func (b *Bucket) Repay(amount *uint256.Int) error {
	if amount.Gt(b.TotalBorrowed) {
		excess := new(uint256.Int).Sub(amount, b.TotalBorrowed)
		b.TotalLiquidity = new(uint256.Int).Add(b.TotalLiquidity, excess)
		b.TotalBorrowed = new(uint256.Int)
	} else {
		b.TotalBorrowed = new(uint256.Int).Sub(b.TotalBorrowed, amount)
	}
	return b.refreshRate()
}

// Supply adds provider liquidity and mints pool shares. Returns the shares minted.
func (b *Bucket) Supply(provider uuid.UUID, amount *uint256.Int) (*uint256.Int, error) {
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	minted := amount.Clone()
	if !b.totalShares.IsZero() && !b.TotalLiquidity.IsZero() {
		var err error
		minted, err = fpmath.MulDiv(amount, b.totalShares, b.TotalLiquidity, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
	}
	if minted.IsZero() {
		return nil, ErrZeroAmount
	}

	b.TotalLiquidity = new(uint256.Int).Add(b.TotalLiquidity, amount)
	b.totalShares = new(uint256.Int).Add(b.totalShares, minted)
	b.shares[provider] = new(uint256.Int).Add(b.sharesOf(provider), minted)
	return minted, b.refreshRate()
}

// Withdraw removes provider liquidity, burning shares rounded up. Only liquidity that is
// not lent out can leave the pool.
func (b *Bucket) Withdraw(provider uuid.UUID, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	if amount.Gt(b.Available()) {
		return fmt.Errorf("%w: pool %s has %s free", ErrLiquidityInUse, b.Name, b.Available().Dec())
	}
	if b.TotalLiquidity.IsZero() {
		return ErrInsufficientShares
	}
	burned, err := fpmath.MulDiv(amount, b.totalShares, b.TotalLiquidity, fpmath.RoundUp)
	if err != nil {
		return err
	}
	held := b.sharesOf(provider)
	if burned.Gt(held) {
		return fmt.Errorf("%w: need %s, hold %s", ErrInsufficientShares, burned.Dec(), held.Dec())
	}

	b.TotalLiquidity = new(uint256.Int).Sub(b.TotalLiquidity, amount)
	b.totalShares = new(uint256.Int).Sub(b.totalShares, burned)
	remaining := new(uint256.Int).Sub(held, burned)
	if remaining.IsZero() {
		delete(b.shares, provider)
	} else {
		b.shares[provider] = remaining
	}
	return b.refreshRate()
}

// LiquidityOf returns the provider's claim on pool liquidity.
func (b *Bucket) LiquidityOf(provider uuid.UUID) *uint256.Int {
	held := b.sharesOf(provider)
	if held.IsZero() || b.totalShares.IsZero() {
		return new(uint256.Int)
	}
	v, err := fpmath.MulDiv(held, b.TotalLiquidity, b.totalShares, fpmath.RoundDown)
	if err != nil {
		return new(uint256.Int)
	}
	return v
}

func (b *Bucket) sharesOf(provider uuid.UUID) *uint256.Int {
	if s, ok := b.shares[provider]; ok {
		return s
	}
	return new(uint256.Int)
}

func (b *Bucket) refreshRate() error {
	if b.RateModel == nil {
		return nil
	}
	rate, err := b.RateModel.BorrowRate(b.Utilization())
	if err != nil {
		return fmt.Errorf("pool %s: %w", b.Name, err)
	}
	b.BorrowRate = rate
	return nil
}

// BucketSnapshot is a value copy of a pool used for rollback and persistence.
type BucketSnapshot struct {
	Name           string                     `json:"name"`
	Asset          string                     `json:"asset"`
	TotalLiquidity *uint256.Int               `json:"total_liquidity"`
	TotalBorrowed  *uint256.Int               `json:"total_borrowed"`
	BorrowIndex    *uint256.Int               `json:"borrow_index"`
	LastAccrual    int64                      `json:"last_accrual"`
	BorrowRate     *uint256.Int               `json:"borrow_rate"`
	TotalShares    *uint256.Int               `json:"total_shares"`
	Shares         map[uuid.UUID]*uint256.Int `json:"shares"`
}

func (b *Bucket) Snapshot() BucketSnapshot {
	shares := make(map[uuid.UUID]*uint256.Int, len(b.shares))
	for k, v := range b.shares {
		shares[k] = v.Clone()
	}
	return BucketSnapshot{
		Name:           b.Name,
		Asset:          b.Asset,
		TotalLiquidity: b.TotalLiquidity.Clone(),
		TotalBorrowed:  b.TotalBorrowed.Clone(),
		BorrowIndex:    b.BorrowIndex.Clone(),
		LastAccrual:    b.LastAccrual,
		BorrowRate:     b.BorrowRate.Clone(),
		TotalShares:    b.totalShares.Clone(),
		Shares:         shares,
	}
}

func (b *Bucket) Restore(s BucketSnapshot) {
	b.Name = s.Name
	b.Asset = s.Asset
	b.TotalLiquidity = s.TotalLiquidity.Clone()
	b.TotalBorrowed = s.TotalBorrowed.Clone()
	b.BorrowIndex = s.BorrowIndex.Clone()
	b.LastAccrual = s.LastAccrual
	b.BorrowRate = s.BorrowRate.Clone()
	b.totalShares = fpmath.OrZero(s.TotalShares).Clone()
	b.shares = make(map[uuid.UUID]*uint256.Int, len(s.Shares))
	for k, v := range s.Shares {
		b.shares[k] = v.Clone()
	}
}
