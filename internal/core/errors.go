package core

import (
	"errors"

	"MarginLedger/internal/exchange"
	"MarginLedger/internal/fee"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/risk"
	"MarginLedger/internal/state"
)

var (
	ErrDeadlineExceeded     = errors.New("core: deadline exceeded")
	ErrUnauthorized         = errors.New("core: caller does not own the position")
	ErrInvalidAmount        = errors.New("core: amount must be positive")
	ErrSameAsset            = errors.New("core: spot deposit asset equals target asset")
	ErrSpotConversionRoute  = errors.New("core: spot request carries a conversion route")
	ErrMissingConversion    = errors.New("core: deposit asset differs from pool asset without a conversion route")
	ErrSpotPosition         = errors.New("core: operation undefined for spot position")
	ErrPositionTooSmall     = errors.New("core: position size below minimum")
	ErrPositionTooLarge     = errors.New("core: position size above pair maximum")
	ErrExceedsDebt          = errors.New("core: deposit increase exceeds outstanding debt")
	ErrExceedsPosition      = errors.New("core: amount exceeds position")
	ErrUnhealthyAfter       = errors.New("core: position would be liquidatable after the change")
	ErrInsufficientProceeds = errors.New("core: proceeds and free balance cannot cover debt")
	ErrFeeExceedsDeposit    = errors.New("core: fee consumes the whole deposit")
	ErrUnknownPool          = errors.New("core: unknown pool")
	ErrPoolAssetMismatch    = errors.New("core: pool lends a different asset")
	ErrOrderNotFillable     = errors.New("core: order limit price not reached")
	ErrOrderExpired         = errors.New("core: order expired")
	ErrUnknownCommand       = errors.New("core: unknown command")
)

// ErrorCode is the caller-facing class of a rejected command.
type ErrorCode string

const (
	CodeOK              ErrorCode = "OK"
	CodeValidation      ErrorCode = "VALIDATION"
	CodePriceDeviation  ErrorCode = "PRICE_DEVIATION"
	CodeCapacity        ErrorCode = "CAPACITY"
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeConditionNotMet ErrorCode = "CONDITION_NOT_MET"
	CodeNotLiquidatable ErrorCode = "NOT_LIQUIDATABLE"
	CodeInsolvent       ErrorCode = "INSOLVENT"
	CodeCollaborator    ErrorCode = "COLLABORATOR"
	CodeInternal        ErrorCode = "INTERNAL"
)

var codeTable = []struct {
	code ErrorCode
	errs []error
}{
	{CodeNotLiquidatable, []error{state.ErrNotLiquidatable}},
	{CodeConditionNotMet, []error{state.ErrConditionNotMet, ErrOrderNotFillable}},
	{CodePriceDeviation, []error{risk.ErrPriceDeviation}},
	{CodeCapacity, []error{
		state.ErrInsufficientLiquidity, state.ErrLiquidityInUse, state.ErrInsufficientShares,
		fee.ErrFeeFloorExceedsPosition, fee.ErrFeeBoundsInverted, ErrFeeExceedsDeposit, ledger.ErrInsufficientBalance,
	}},
	{CodeUnauthorized, []error{ErrUnauthorized}},
	{CodeInsolvent, []error{ErrInsufficientProceeds}},
	{CodeCollaborator, []error{
		exchange.ErrSlippage, exchange.ErrUnknownVenue, exchange.ErrNoLiquidity,
		oracle.ErrStalePrice, oracle.ErrUnknownPair, oracle.ErrZeroRate,
	}},
	{CodeValidation, []error{
		ErrDeadlineExceeded, ErrInvalidAmount, ErrSameAsset, ErrSpotConversionRoute, ErrMissingConversion,
		ErrSpotPosition, ErrPositionTooSmall, ErrPositionTooLarge, ErrExceedsDebt, ErrExceedsPosition,
		ErrUnhealthyAfter, ErrUnknownPool, ErrPoolAssetMismatch, ErrOrderExpired, ErrUnknownCommand,
		exchange.ErrEmptyRoute, exchange.ErrZeroShares, exchange.ErrInvalidRequest,
		oracle.ErrMissingRoute, ledger.ErrUnknownAsset, state.ErrInvalidCondition,
		state.ErrPositionNotFound, state.ErrOrderNotFound, state.ErrInvalidTransition,
		state.ErrPairNotConfigured, state.ErrPoolNotConfigured, state.ErrZeroAmount,
		fpmath.ErrUnsupportedDecimals,
	}},
}

// Classify maps an error returned by ProcessEvent onto its code.
func Classify(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for _, row := range codeTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.code
			}
		}
	}
	return CodeInternal
}
