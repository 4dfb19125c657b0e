package risk

import (
	"fmt"

	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

// Trade describes a priced swap: AmountIn of the input asset against Quoted of the output.
// OracleRate is WAD output per whole unit of input.
type Trade struct {
	AmountIn       *uint256.Int
	InputDecimals  uint8
	Quoted         *uint256.Int
	OutputDecimals uint8
	OracleRate     *uint256.Int
}

// MinOutFromOracle is amountIn * oracleRate * (1 - limit), rounded up, in output base units.
func MinOutFromOracle(t Trade, limit *uint256.Int) (*uint256.Int, error) {
	if t.OracleRate == nil || t.OracleRate.IsZero() {
		return nil, ErrZeroPrice
	}
	fair, err := fpmath.Convert(t.AmountIn, t.InputDecimals, t.OracleRate, t.OutputDecimals, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	keep, err := fpmath.OneMinus(limit)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(fair, keep, fpmath.WAD(), fpmath.RoundUp)
}

// CheckPriceDeviation rejects a quote that pays less than the oracle floor. A venue paying
// more than the oracle is never rejected.
func CheckPriceDeviation(t Trade, limit *uint256.Int) error {
	floor, err := MinOutFromOracle(t, limit)
	if err != nil {
		return err
	}
	if t.Quoted.Lt(floor) {
		return fmt.Errorf("%w: quoted %s, oracle floor %s", ErrPriceDeviation, t.Quoted.Dec(), floor.Dec())
	}
	return nil
}
