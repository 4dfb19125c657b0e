// Package exchange defines the swap collaborator and its route format.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/holiman/uint256"
)

var (
	ErrEmptyRoute     = errors.New("exchange: route has no venues")
	ErrZeroShares     = errors.New("exchange: route shares sum to zero")
	ErrSlippage       = errors.New("exchange: output below minimum")
	ErrUnknownVenue   = errors.New("exchange: unknown venue")
	ErrNoLiquidity    = errors.New("exchange: venue cannot trade pair")
	ErrInvalidRequest = errors.New("exchange: invalid swap request")
)

// VenueShare is one leg of a weighted multi-venue split.
type VenueShare struct {
	Venue  string `json:"venue"`
	Shares uint64 `json:"shares"`
}

// Route splits a trade across venues in proportion to their shares.
type Route []VenueShare

// TotalShares sums the route's weights.
func (r Route) TotalShares() (uint64, error) {
	var total uint64
	for _, leg := range r {
		var carry uint64
		total, carry = bits.Add64(total, leg.Shares, 0)
		if carry != 0 {
			return 0, fmt.Errorf("exchange: route shares overflow")
		}
	}
	return total, nil
}

// Validate rejects empty routes and zero-sum splits.
func (r Route) Validate() error {
	if len(r) == 0 {
		return ErrEmptyRoute
	}
	total, err := r.TotalShares()
	if err != nil {
		return err
	}
	if total == 0 {
		return ErrZeroShares
	}
	return nil
}

// SwapRequest asks for AmountIn of InputAsset to be sold for OutputAsset. Amounts are in
// base units of their assets.
type SwapRequest struct {
	InputAsset   string
	OutputAsset  string
	AmountIn     *uint256.Int
	MinAmountOut *uint256.Int
	Route        Route
}

func (r SwapRequest) Validate() error {
	if r.InputAsset == "" || r.OutputAsset == "" || r.InputAsset == r.OutputAsset {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidRequest, r.InputAsset, r.OutputAsset)
	}
	if r.AmountIn == nil || r.AmountIn.IsZero() {
		return fmt.Errorf("%w: zero amount in", ErrInvalidRequest)
	}
	return r.Route.Validate()
}

// Exchange executes swaps. Swap must fail rather than return less than MinAmountOut.
// Quote prices the same request without executing it.
type Exchange interface {
	Quote(ctx context.Context, req SwapRequest) (*uint256.Int, error)
	Swap(ctx context.Context, req SwapRequest) (*uint256.Int, error)
}
