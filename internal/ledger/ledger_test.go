package ledger_test

import (
	"errors"
	"testing"

	"MarginLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(owner, ledger.SubTypeAvailable, "USDC")

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:available:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
	if key.Owner() != owner {
		t.Errorf("owner: got %s, want %s", key.Owner(), owner)
	}
}

func TestAccountKey_PoolPath(t *testing.T) {
	key := ledger.NewPoolAccountKey("usdc-main", "USDC")
	if path := key.AccountPath(); path != "pool:usdc-main:liquidity:USDC" {
		t.Errorf("got %q, want %q", path, "pool:usdc-main:liquidity:USDC")
	}
}

func TestAccountKey_SystemAndExternalPaths(t *testing.T) {
	if p := ledger.NewSystemAccountKey(ledger.SubTypeSystemTreasury, "USDC").AccountPath(); p != "system:treasury:USDC" {
		t.Errorf("got %q", p)
	}
	if p := ledger.NewExternalAccountKey(ledger.SubTypeExternalExchange, "WETH").AccountPath(); p != "external:exchange:WETH" {
		t.Errorf("got %q", p)
	}
}

func TestAssetRegistry(t *testing.T) {
	reg := ledger.NewAssetRegistry(ledger.Asset{Symbol: "USDC", Decimals: 6}, ledger.Asset{Symbol: "WETH", Decimals: 18})

	d, err := reg.Decimals("USDC")
	if err != nil || d != 6 {
		t.Fatalf("USDC decimals: got %d, %v", d, err)
	}
	if _, err := reg.Get("DOGE"); !errors.Is(err, ledger.ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
	if syms := reg.Symbols(); len(syms) != 2 || syms[0] != "USDC" {
		t.Errorf("symbols: got %v", syms)
	}
}

// ============================================================================
// Test: Batches
// ============================================================================

func TestGenerateBatch_DropsZeroLegs(t *testing.T) {
	gen := ledger.NewJournalGenerator(1)
	owner := uuid.New()

	batch := gen.GenerateBatch("ref-1", 100, []ledger.Transfer{
		ledger.Deposit(owner, "USDC", uint256.NewInt(500)),
		ledger.Lock(owner, "USDC", new(uint256.Int)),
	})
	if batch == nil {
		t.Fatal("expected batch")
	}
	if len(batch.Journals) != 1 {
		t.Fatalf("journals: got %d, want 1", len(batch.Journals))
	}
	if batch.Sequence != 1 || gen.Sequence() != 2 {
		t.Errorf("sequence: batch=%d next=%d", batch.Sequence, gen.Sequence())
	}

	if empty := gen.GenerateBatch("ref-2", 100, []ledger.Transfer{ledger.Lock(owner, "USDC", new(uint256.Int))}); empty != nil {
		t.Error("expected nil batch when nothing moves")
	}
	if gen.Sequence() != 2 {
		t.Errorf("empty batch must not consume a sequence")
	}
}

func TestBatchValidate_RejectsSelfTransfer(t *testing.T) {
	owner := uuid.New()
	key := ledger.NewUserAccountKey(owner, ledger.SubTypeAvailable, "USDC")
	gen := ledger.NewJournalGenerator(1)
	batch := gen.GenerateBatch("ref", 1, []ledger.Transfer{{From: key, To: key, Amount: uint256.NewInt(1)}})

	if err := batch.Validate(); err == nil {
		t.Error("expected self-transfer to be rejected")
	}
}

func TestBatchValidate_RejectsAssetMismatch(t *testing.T) {
	owner := uuid.New()
	gen := ledger.NewJournalGenerator(1)
	batch := gen.GenerateBatch("ref", 1, []ledger.Transfer{{
		From:   ledger.NewUserAccountKey(owner, ledger.SubTypeAvailable, "USDC"),
		To:     ledger.NewUserAccountKey(owner, ledger.SubTypeLocked, "WETH"),
		Amount: uint256.NewInt(1),
	}})

	if err := batch.Validate(); err == nil {
		t.Error("expected cross-asset journal to be rejected")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_DepositLockUnlock(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1)
	owner := uuid.New()

	apply := func(tr ...ledger.Transfer) error {
		return bt.ApplyBatch(gen.GenerateBatch("ref", 1, tr))
	}

	if err := apply(ledger.Deposit(owner, "USDC", uint256.NewInt(1_000))); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := apply(ledger.Lock(owner, "USDC", uint256.NewInt(400))); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if got := bt.Available(owner, "USDC").Uint64(); got != 600 {
		t.Errorf("available: got %d, want 600", got)
	}
	if got := bt.Locked(owner, "USDC").Uint64(); got != 400 {
		t.Errorf("locked: got %d, want 400", got)
	}
	if got := bt.Total(owner, "USDC").Uint64(); got != 1_000 {
		t.Errorf("total: got %d, want 1000", got)
	}

	if err := apply(ledger.Unlock(owner, "USDC", uint256.NewInt(400))); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got := bt.Locked(owner, "USDC"); !got.IsZero() {
		t.Errorf("locked after unlock: got %s", got.Dec())
	}
}

func TestBalanceTracker_BatchIsAtomic(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1)
	owner := uuid.New()

	if err := bt.ApplyBatch(gen.GenerateBatch("d", 1, []ledger.Transfer{ledger.Deposit(owner, "USDC", uint256.NewInt(100))})); err != nil {
		t.Fatal(err)
	}

	// First leg is fine, second overdraws: nothing may apply.
	err := bt.ApplyBatch(gen.GenerateBatch("w", 1, []ledger.Transfer{
		ledger.Lock(owner, "USDC", uint256.NewInt(60)),
		ledger.Withdrawal(owner, "USDC", uint256.NewInt(60)),
	}))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := bt.Available(owner, "USDC").Uint64(); got != 100 {
		t.Errorf("available after rejected batch: got %d, want 100", got)
	}
	if got := bt.Locked(owner, "USDC"); !got.IsZero() {
		t.Errorf("locked after rejected batch: got %s", got.Dec())
	}
}

func TestBalanceTracker_ZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1)
	v := ledger.NewInvariantValidator(bt)
	owner := uuid.New()

	batch := gen.GenerateBatch("swap", 1, []ledger.Transfer{
		ledger.Deposit(owner, "USDC", uint256.NewInt(1_000)),
		ledger.ToExchange(ledger.NewUserAccountKey(owner, ledger.SubTypeAvailable, "USDC"), uint256.NewInt(1_000)),
		ledger.FromExchange(ledger.NewUserAccountKey(owner, ledger.SubTypeLocked, "WETH"), uint256.NewInt(3), ledger.JournalTypeSwapIn),
	})
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatal(err)
	}

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("zero-sum violated: %v", err)
	}
	if err := v.ValidateGuardedNonNegative(); err != nil {
		t.Errorf("guarded account negative: %v", err)
	}
	if got := bt.GetBalance(ledger.NewExternalAccountKey(ledger.SubTypeExternalExchange, "WETH")).Int64(); got != -3 {
		t.Errorf("exchange WETH: got %d, want -3", got)
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1)
	owner := uuid.New()
	if err := bt.ApplyBatch(gen.GenerateBatch("d", 1, []ledger.Transfer{ledger.Deposit(owner, "USDC", uint256.NewInt(42))})); err != nil {
		t.Fatal(err)
	}

	snap := bt.Snapshot()
	restored := ledger.NewBalanceTracker()
	restored.Restore(snap)

	if got := restored.Available(owner, "USDC").Uint64(); got != 42 {
		t.Errorf("restored available: got %d, want 42", got)
	}
	if len(restored.OwnerBalances(owner)) != 1 {
		t.Errorf("owner balances: got %v", restored.OwnerBalances(owner))
	}
}
