package state

import (
	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

// ComputeCoverage splits a settlement shortfall into the part the owner's free balance
// covers and what is left uncovered. Debt is never forgiven, so a non-zero remainder
// means the close cannot settle.
func ComputeCoverage(available, shortfall *uint256.Int) (covered, remaining *uint256.Int) {
	covered = fpmath.Min(available, shortfall)
	return covered, new(uint256.Int).Sub(shortfall, covered)
}
