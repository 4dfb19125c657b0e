package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Transfer is a single movement of Amount from From to To. Domain logic describes its
// settlement as transfers; the generator turns them into a journal batch.
type Transfer struct {
	From   AccountKey
	To     AccountKey
	Amount *uint256.Int
	Type   JournalType
}

// JournalGenerator creates balanced journal batches
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
	}
}

// Sequence returns the sequence the next batch will carry.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// GenerateBatch builds one batch from transfers. Zero-amount transfers are dropped so
// planners can emit legs unconditionally. Returns nil when nothing moves.
func (jg *JournalGenerator) GenerateBatch(eventRef string, timestamp int64, transfers []Transfer) *Batch {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(transfers)),
	}

	for _, t := range transfers {
		if t.Amount == nil || t.Amount.IsZero() {
			continue
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  t.To,
			CreditAccount: t.From,
			Asset:         t.From.Asset,
			Amount:        t.Amount.Clone(),
			JournalType:   t.Type,
			Timestamp:     timestamp,
		})
	}

	if len(batch.Journals) == 0 {
		return nil
	}
	jg.sequence++
	return batch
}

// Deposit moves funds: external:custody -> user:available
func Deposit(owner uuid.UUID, asset string, amount *uint256.Int) Transfer {
	return Transfer{
		From:   NewExternalAccountKey(SubTypeExternalCustody, asset),
		To:     NewUserAccountKey(owner, SubTypeAvailable, asset),
		Amount: amount,
		Type:   JournalTypeDeposit,
	}
}

// Withdrawal moves funds: user:available -> external:custody
func Withdrawal(owner uuid.UUID, asset string, amount *uint256.Int) Transfer {
	return Transfer{
		From:   NewUserAccountKey(owner, SubTypeAvailable, asset),
		To:     NewExternalAccountKey(SubTypeExternalCustody, asset),
		Amount: amount,
		Type:   JournalTypeWithdrawal,
	}
}

// Lock moves funds: user:available -> user:locked
func Lock(owner uuid.UUID, asset string, amount *uint256.Int) Transfer {
	return Transfer{
		From:   NewUserAccountKey(owner, SubTypeAvailable, asset),
		To:     NewUserAccountKey(owner, SubTypeLocked, asset),
		Amount: amount,
		Type:   JournalTypeCollateralLock,
	}
}

// Unlock moves funds: user:locked -> user:available
func Unlock(owner uuid.UUID, asset string, amount *uint256.Int) Transfer {
	return Transfer{
		From:   NewUserAccountKey(owner, SubTypeLocked, asset),
		To:     NewUserAccountKey(owner, SubTypeAvailable, asset),
		Amount: amount,
		Type:   JournalTypeCollateralUnlock,
	}
}

// ToExchange sends funds from an account into a swap.
func ToExchange(from AccountKey, amount *uint256.Int) Transfer {
	return Transfer{
		From:   from,
		To:     NewExternalAccountKey(SubTypeExternalExchange, from.Asset),
		Amount: amount,
		Type:   JournalTypeSwapOut,
	}
}

// FromExchange receives swap output into an account.
func FromExchange(to AccountKey, amount *uint256.Int, typ JournalType) Transfer {
	return Transfer{
		From:   NewExternalAccountKey(SubTypeExternalExchange, to.Asset),
		To:     to,
		Amount: amount,
		Type:   typ,
	}
}
