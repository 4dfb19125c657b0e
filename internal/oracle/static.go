package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

type pair struct{ base, quote string }

type quote struct {
	rate      *uint256.Int
	updatedAt time.Time
}

// Static is an in-memory oracle. Rates are set by an operator feed or by tests; a rate
// for base/quote also answers quote/base through its inverse.
type Static struct {
	mu     sync.RWMutex
	rates  map[pair]quote
	maxAge time.Duration
	now    func() time.Time
}

// NewStatic creates an oracle that rejects rates older than maxAge (zero disables the check).
func NewStatic(maxAge time.Duration, now func() time.Time) *Static {
	if now == nil {
		now = time.Now
	}
	return &Static{
		rates:  make(map[pair]quote),
		maxAge: maxAge,
		now:    now,
	}
}

func (s *Static) SetRate(base, quoteAsset string, rate *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[pair{base, quoteAsset}] = quote{rate: rate.Clone(), updatedAt: s.now()}
}

// Publish records a feed update stamped with the feed's own time. Static serves every route
// from one table, so route is ignored.
func (s *Static) Publish(_ context.Context, _ RouteData, base, quoteAsset string, rate *uint256.Int, ts time.Time) error {
	if rate == nil || rate.IsZero() {
		return fmt.Errorf("oracle: zero rate for %s/%s", base, quoteAsset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[pair{base, quoteAsset}] = quote{rate: rate.Clone(), updatedAt: ts}
	return nil
}

func (s *Static) Rate(_ context.Context, base, quoteAsset string, route RouteData) (*uint256.Int, error) {
	if len(route) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrMissingRoute, base, quoteAsset)
	}
	if base == quoteAsset {
		return fpmath.WAD(), nil
	}

	s.mu.RLock()
	direct, okDirect := s.rates[pair{base, quoteAsset}]
	inverse, okInverse := s.rates[pair{quoteAsset, base}]
	s.mu.RUnlock()

	switch {
	case okDirect:
		if err := s.checkFresh(direct, base, quoteAsset); err != nil {
			return nil, err
		}
		return direct.rate.Clone(), nil
	case okInverse:
		if err := s.checkFresh(inverse, quoteAsset, base); err != nil {
			return nil, err
		}
		return Invert(inverse.rate)
	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPair, base, quoteAsset)
	}
}

func (s *Static) USDRate(ctx context.Context, asset string, route RouteData) (*uint256.Int, error) {
	return s.Rate(ctx, asset, USD, route)
}

func (s *Static) checkFresh(q quote, base, quoteAsset string) error {
	if s.maxAge > 0 && s.now().Sub(q.updatedAt) > s.maxAge {
		return fmt.Errorf("%w: %s/%s updated %s", ErrStalePrice, base, quoteAsset, q.updatedAt.Format(time.RFC3339))
	}
	if q.rate.IsZero() {
		return fmt.Errorf("%w: %s/%s", ErrZeroRate, base, quoteAsset)
	}
	return nil
}
