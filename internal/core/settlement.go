package core

import (
	"fmt"
	"math/big"

	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SettlementInput is everything a close needs once the sale has been executed. All amounts
// are base units of the source asset except SoldTarget.
type SettlementInput struct {
	Owner       uuid.UUID
	Closer      uuid.UUID
	Reason      state.CloseReason
	SourceAsset string
	TargetAsset string
	Pool        string // empty for spot

	SoldTarget *uint256.Int
	Gross      *uint256.Int
	Debt       *uint256.Int
	Fee        *uint256.Int // zero when paid in the discount token
	KeeperCut  *uint256.Int

	// OwnerAvailable is the owner's free source balance, used only to cover a shortfall.
	OwnerAvailable *uint256.Int
}

// CloseResult is computed once per close and never adjusted afterwards.
type CloseResult struct {
	DecreaseAmount *uint256.Int
	GrossProceeds  *uint256.Int
	RepaidDebt     *uint256.Int
	ProtocolFee    *uint256.Int
	KeeperReward   *uint256.Int
	OutputAmount   *uint256.Int
	RealizedPnL    *big.Int // gross - debt - fee
	ShortfallCover *uint256.Int
	ToTreasury     *uint256.Int
}

// PlanSettlement routes the proceeds of a close: debt to the pool first, then the fee, then
// the remainder to the owner (or the treasury on liquidation). A shortfall is pulled from the
// owner's free balance; if that is not enough the close fails and nothing is applied.
func PlanSettlement(in SettlementInput) (*CloseResult, []ledger.Transfer, error) {
	gross := fpmath.OrZero(in.Gross)
	debt := fpmath.OrZero(in.Debt)
	protocolFee := fpmath.OrZero(in.Fee)
	cut := fpmath.OrZero(in.KeeperCut)
	if cut.Gt(protocolFee) {
		return nil, nil, fmt.Errorf("keeper cut %s exceeds fee %s", cut.Dec(), protocolFee.Dec())
	}
	if protocolFee.Gt(gross) {
		return nil, nil, fmt.Errorf("fee %s exceeds proceeds %s", protocolFee.Dec(), gross.Dec())
	}

	debtFromProceeds := fpmath.Min(gross, debt)
	afterDebt := new(uint256.Int).Sub(gross, debtFromProceeds)
	feeFromProceeds := fpmath.Min(afterDebt, protocolFee)
	remainder := new(uint256.Int).Sub(afterDebt, feeFromProceeds)

	debtShort := new(uint256.Int).Sub(debt, debtFromProceeds)
	feeShort := new(uint256.Int).Sub(protocolFee, feeFromProceeds)
	shortfall := new(uint256.Int).Add(debtShort, feeShort)
	covered, uncovered := state.ComputeCoverage(fpmath.OrZero(in.OwnerAvailable), shortfall)
	if !uncovered.IsZero() {
		return nil, nil, fmt.Errorf("%w: short %s %s after using %s of free balance",
			ErrInsufficientProceeds, uncovered.Dec(), in.SourceAsset, covered.Dec())
	}

	src := in.SourceAsset
	owner := ledger.NewUserAccountKey(in.Owner, ledger.SubTypeAvailable, src)
	fees := ledger.NewSystemAccountKey(ledger.SubTypeSystemFees, src)
	exchangeSrc := ledger.NewExternalAccountKey(ledger.SubTypeExternalExchange, src)

	transfers := []ledger.Transfer{
		ledger.ToExchange(ledger.NewUserAccountKey(in.Owner, ledger.SubTypeLocked, in.TargetAsset), in.SoldTarget),
	}
	if !debt.IsZero() {
		pool := ledger.NewPoolAccountKey(in.Pool, src)
		transfers = append(transfers,
			ledger.FromExchange(pool, debtFromProceeds, ledger.JournalTypeRepay),
			ledger.Transfer{From: owner, To: pool, Amount: debtShort, Type: ledger.JournalTypeShortfallCover},
		)
	}
	transfers = append(transfers,
		ledger.FromExchange(fees, feeFromProceeds, ledger.JournalTypeProtocolFee),
		ledger.Transfer{From: owner, To: fees, Amount: feeShort, Type: ledger.JournalTypeShortfallCover},
		ledger.Transfer{
			From:   fees,
			To:     ledger.NewUserAccountKey(in.Closer, ledger.SubTypeAvailable, src),
			Amount: cut,
			Type:   ledger.JournalTypeKeeperReward,
		},
	)

	toTreasury := new(uint256.Int)
	if in.Reason == state.CloseReasonLiquidation {
		toTreasury = remainder
		transfers = append(transfers, ledger.Transfer{
			From:   exchangeSrc,
			To:     ledger.NewSystemAccountKey(ledger.SubTypeSystemTreasury, src),
			Amount: remainder,
			Type:   ledger.JournalTypeTreasury,
		})
	} else {
		transfers = append(transfers, ledger.FromExchange(owner, remainder, ledger.JournalTypeSettlementPayout))
	}

	pnl := fpmath.SignedDiff(gross, debt)
	pnl.Sub(pnl, protocolFee.ToBig())

	return &CloseResult{
		DecreaseAmount: fpmath.OrZero(in.SoldTarget).Clone(),
		GrossProceeds:  gross.Clone(),
		RepaidDebt:     debt.Clone(),
		ProtocolFee:    protocolFee.Clone(),
		KeeperReward:   cut.Clone(),
		OutputAmount:   new(uint256.Int).Sub(gross, protocolFee),
		RealizedPnL:    pnl,
		ShortfallCover: covered,
		ToTreasury:     toTreasury,
	}, transfers, nil
}
