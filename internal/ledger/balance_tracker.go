package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// BalanceTracker maintains in-memory account balances. Balances are signed because
// external boundary accounts mirror flows leaving the system; every other account is
// checked to stay non-negative.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyBatch applies all journals in a batch, or none of them when any guarded account
// would go negative.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	deltas := make(map[AccountKey]*big.Int)
	for _, j := range batch.Journals {
		amt := j.Amount.ToBig()
		addDelta(deltas, j.DebitAccount, amt)
		addDelta(deltas, j.CreditAccount, new(big.Int).Neg(amt))
	}

	for key, delta := range deltas {
		if !key.MustBeNonNegative() {
			continue
		}
		next := new(big.Int).Add(bt.balance(key), delta)
		if next.Sign() < 0 {
			return fmt.Errorf("%w: %s has %s, batch moves %s",
				ErrInsufficientBalance, key.AccountPath(), bt.balance(key), delta)
		}
	}

	for key, delta := range deltas {
		next := new(big.Int).Add(bt.balance(key), delta)
		if next.Sign() == 0 {
			delete(bt.balances, key)
			continue
		}
		bt.balances[key] = next
	}
	return nil
}

func addDelta(deltas map[AccountKey]*big.Int, key AccountKey, amt *big.Int) {
	d, ok := deltas[key]
	if !ok {
		d = new(big.Int)
		deltas[key] = d
	}
	d.Add(d, amt)
}

func (bt *BalanceTracker) balance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return b
	}
	return new(big.Int)
}

// GetBalance returns the current signed balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	return new(big.Int).Set(bt.balance(key))
}

// getUnsigned returns a guarded account's balance; guarded accounts never go negative.
func (bt *BalanceTracker) getUnsigned(key AccountKey) *uint256.Int {
	v, overflow := uint256.FromBig(bt.balance(key))
	if overflow || bt.balance(key).Sign() < 0 {
		return new(uint256.Int)
	}
	return v
}

// === Custody views (total = available + locked) ===

// Available returns the owner's free balance.
func (bt *BalanceTracker) Available(owner uuid.UUID, asset string) *uint256.Int {
	return bt.getUnsigned(NewUserAccountKey(owner, SubTypeAvailable, asset))
}

// Locked returns collateral held against positions and resting orders.
func (bt *BalanceTracker) Locked(owner uuid.UUID, asset string) *uint256.Int {
	return bt.getUnsigned(NewUserAccountKey(owner, SubTypeLocked, asset))
}

// Total returns available + locked.
func (bt *BalanceTracker) Total(owner uuid.UUID, asset string) *uint256.Int {
	return new(uint256.Int).Add(bt.Available(owner, asset), bt.Locked(owner, asset))
}

// PoolLiquidity returns the cash a pool holds.
func (bt *BalanceTracker) PoolLiquidity(pool, asset string) *uint256.Int {
	return bt.getUnsigned(NewPoolAccountKey(pool, asset))
}

// SystemBalance returns a fee or treasury balance.
func (bt *BalanceTracker) SystemBalance(subType AccountSubType, asset string) *uint256.Int {
	return bt.getUnsigned(NewSystemAccountKey(subType, asset))
}

// ValidateSufficientAvailable checks if owner has enough available balance
func (bt *BalanceTracker) ValidateSufficientAvailable(owner uuid.UUID, asset string, required *uint256.Int) error {
	available := bt.Available(owner, asset)
	if available.Lt(required) {
		return fmt.Errorf("%w: %s available=%s, need=%s", ErrInsufficientBalance, asset, available.Dec(), required.Dec())
	}
	return nil
}

// === Invariant Checks ===

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]*big.Int {
	totals := make(map[string]*big.Int)
	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(big.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}
	return totals
}

// OwnerBalances returns every non-zero account of an owner.
func (bt *BalanceTracker) OwnerBalances(owner uuid.UUID) map[AccountKey]*big.Int {
	out := make(map[AccountKey]*big.Int)
	for key, balance := range bt.balances {
		if key.Scope == AccountScopeUser && key.Owner() == owner {
			out[key] = new(big.Int).Set(balance)
		}
	}
	return out
}

// Snapshot returns a copy of all balances (for state hashing and persistence)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// Restore replaces all balances (snapshot restore).
func (bt *BalanceTracker) Restore(balances map[AccountKey]*big.Int) {
	bt.balances = make(map[AccountKey]*big.Int, len(balances))
	for k, v := range balances {
		if v.Sign() != 0 {
			bt.balances[k] = new(big.Int).Set(v)
		}
	}
}
