package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeLiquiditySupply
	JournalTypeLiquidityWithdraw
	JournalTypeCollateralLock
	JournalTypeCollateralUnlock
	JournalTypeSwapIn
	JournalTypeSwapOut
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeProtocolFee
	JournalTypeKeeperReward
	JournalTypeTreasury
	JournalTypeSettlementPayout
	JournalTypeShortfallCover
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeLiquiditySupply:
		return "liquidity_supply"
	case JournalTypeLiquidityWithdraw:
		return "liquidity_withdraw"
	case JournalTypeCollateralLock:
		return "collateral_lock"
	case JournalTypeCollateralUnlock:
		return "collateral_unlock"
	case JournalTypeSwapIn:
		return "swap_in"
	case JournalTypeSwapOut:
		return "swap_out"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeProtocolFee:
		return "protocol_fee"
	case JournalTypeKeeperReward:
		return "keeper_reward"
	case JournalTypeTreasury:
		return "treasury"
	case JournalTypeSettlementPayout:
		return "settlement_payout"
	case JournalTypeShortfallCover:
		return "shortfall_cover"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups balanced entries
	EventRef      string       // Idempotency key of source command
	Sequence      int64        // Global sequence
	DebitAccount  AccountKey   // Account receiving debit (balance increases)
	CreditAccount AccountKey   // Account receiving credit (balance decreases)
	Asset         string       // Asset being transferred
	Amount        *uint256.Int // Base units (ALWAYS positive)
	JournalType   JournalType  // Entry type
	Timestamp     int64        // Versioned input timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal is a balanced transfer by construction (a single positive amount moves from
// the credit account to the debit account), so the batch balances per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s moves %s between accounts of another asset", j.JournalID, j.Asset)
		}
	}

	return nil
}
