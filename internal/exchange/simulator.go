package exchange

import (
	"context"
	"fmt"
	"sync"

	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

// DecimalsSource resolves asset decimals.
type DecimalsSource interface {
	Decimals(symbol string) (uint8, error)
}

type pairKey struct{ in, out string }

// Simulator is an in-process Exchange with fixed per-venue rates. It backs paper trading
// and tests. Rates are WAD output per whole unit of input.
type Simulator struct {
	mu       sync.RWMutex
	venues   map[string]map[pairKey]*uint256.Int
	decimals DecimalsSource
	swaps    int
}

func NewSimulator(decimals DecimalsSource) *Simulator {
	return &Simulator{
		venues:   make(map[string]map[pairKey]*uint256.Int),
		decimals: decimals,
	}
}

// SetPair prices a venue both ways: one base buys rate quote, one quote buys 1/rate base.
func (s *Simulator) SetPair(venue, base, quote string, rate *uint256.Int) error {
	inverse, err := fpmath.MulDiv(fpmath.WAD(), fpmath.WAD(), rate, fpmath.RoundDown)
	if err != nil {
		return fmt.Errorf("set pair %s/%s: %w", base, quote, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rates, ok := s.venues[venue]
	if !ok {
		rates = make(map[pairKey]*uint256.Int)
		s.venues[venue] = rates
	}
	rates[pairKey{base, quote}] = rate.Clone()
	rates[pairKey{quote, base}] = inverse
	return nil
}

// Swaps returns how many swaps executed.
func (s *Simulator) Swaps() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.swaps
}

func (s *Simulator) Quote(_ context.Context, req SwapRequest) (*uint256.Int, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	inDec, err := s.decimals.Decimals(req.InputAsset)
	if err != nil {
		return nil, err
	}
	outDec, err := s.decimals.Decimals(req.OutputAsset)
	if err != nil {
		return nil, err
	}
	total, err := req.Route.TotalShares()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := new(uint256.Int)
	remaining := req.AmountIn.Clone()
	for i, leg := range req.Route {
		part := remaining
		if i < len(req.Route)-1 {
			part, err = fpmath.MulDiv(req.AmountIn, uint256.NewInt(leg.Shares), uint256.NewInt(total), fpmath.RoundDown)
			if err != nil {
				return nil, err
			}
		}
		remaining = new(uint256.Int).Sub(remaining, part)
		if part.IsZero() {
			continue
		}

		rates, ok := s.venues[leg.Venue]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, leg.Venue)
		}
		rate, ok := rates[pairKey{req.InputAsset, req.OutputAsset}]
		if !ok {
			return nil, fmt.Errorf("%w: %s %s->%s", ErrNoLiquidity, leg.Venue, req.InputAsset, req.OutputAsset)
		}
		legOut, err := fpmath.Convert(part, inDec, rate, outDec, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		out.Add(out, legOut)
	}
	return out, nil
}

func (s *Simulator) Swap(ctx context.Context, req SwapRequest) (*uint256.Int, error) {
	out, err := s.Quote(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.MinAmountOut != nil && out.Lt(req.MinAmountOut) {
		return nil, fmt.Errorf("%w: got %s, want at least %s", ErrSlippage, out.Dec(), req.MinAmountOut.Dec())
	}
	s.mu.Lock()
	s.swaps++
	s.mu.Unlock()
	return out, nil
}
