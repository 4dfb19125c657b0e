// Package oracle defines the price collaborator the engine reads rates from.
package oracle

import (
	"context"
	"errors"

	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

// USD is the reference unit for position-size bounds and fee ceilings.
const USD = "USD"

var (
	ErrMissingRoute = errors.New("oracle: route data required")
	ErrUnknownPair  = errors.New("oracle: no rate for pair")
	ErrStalePrice   = errors.New("oracle: price is stale")
	ErrZeroRate     = errors.New("oracle: zero rate")
)

// RouteData is caller-supplied, pair-specific routing for a lookup. The engine never
// falls back to a default route.
type RouteData []byte

// Oracle returns exchange rates as WAD: units of quote per one whole unit of base.
type Oracle interface {
	Rate(ctx context.Context, base, quote string, route RouteData) (*uint256.Int, error)
	USDRate(ctx context.Context, asset string, route RouteData) (*uint256.Int, error)
}

// Invert returns 1/rate as WAD.
func Invert(rate *uint256.Int) (*uint256.Int, error) {
	if rate.IsZero() {
		return nil, ErrZeroRate
	}
	return fpmath.MulDiv(fpmath.WAD(), fpmath.WAD(), rate, fpmath.RoundHalfUp)
}
