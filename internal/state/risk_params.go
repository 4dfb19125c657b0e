package state

import (
	"errors"
	"fmt"

	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

var (
	ErrPairNotConfigured = errors.New("risk: asset pair not configured")
	ErrPoolNotConfigured = errors.New("risk: pool not configured")
)

// PairKey identifies an asset pair independent of direction.
type PairKey struct {
	A string
	B string
}

func NewPairKey(x, y string) PairKey {
	if x > y {
		x, y = y, x
	}
	return PairKey{A: x, B: y}
}

func (k PairKey) String() string { return k.A + "/" + k.B }

// PairParams are per-pair risk haircuts and size bounds. Fractions are WAD.
type PairParams struct {
	Pair                 PairKey
	OracleTolerableLimit *uint256.Int
	PairPriceDrop        *uint256.Int
	MaxPositionSizeUSD   *uint256.Int // WAD USD; zero = unbounded
}

// PoolParams are per-pool risk parameters.
type PoolParams struct {
	Pool      string
	FeeBuffer *uint256.Int // WAD, at least one
}

// RiskConfig is the configuration object read by the risk and position logic.
type RiskConfig struct {
	SecurityBuffer     *uint256.Int // WAD
	MinPositionSizeUSD *uint256.Int // WAD USD
	Pairs              map[PairKey]*PairParams
	Pools              map[string]*PoolParams
}

func NewRiskConfig(securityBuffer, minSizeUSD *uint256.Int) *RiskConfig {
	return &RiskConfig{
		SecurityBuffer:     securityBuffer.Clone(),
		MinPositionSizeUSD: minSizeUSD.Clone(),
		Pairs:              make(map[PairKey]*PairParams),
		Pools:              make(map[string]*PoolParams),
	}
}

// RiskParamsManager manages risk parameters
type RiskParamsManager struct {
	cfg *RiskConfig
}

func NewRiskParamsManager(cfg *RiskConfig) (*RiskParamsManager, error) {
	if err := ValidateGlobal(cfg); err != nil {
		return nil, err
	}
	for _, p := range cfg.Pairs {
		if err := ValidatePairParams(p); err != nil {
			return nil, fmt.Errorf("invalid risk params for %s: %w", p.Pair, err)
		}
	}
	for _, p := range cfg.Pools {
		if err := ValidatePoolParams(p); err != nil {
			return nil, fmt.Errorf("invalid pool params for %s: %w", p.Pool, err)
		}
	}
	return &RiskParamsManager{cfg: cfg}, nil
}

func (rpm *RiskParamsManager) SecurityBuffer() *uint256.Int { return rpm.cfg.SecurityBuffer }

func (rpm *RiskParamsManager) MinPositionSizeUSD() *uint256.Int { return rpm.cfg.MinPositionSizeUSD }

func (rpm *RiskParamsManager) GetPairParams(x, y string) (*PairParams, error) {
	key := NewPairKey(x, y)
	p, ok := rpm.cfg.Pairs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPairNotConfigured, key)
	}
	return p, nil
}

func (rpm *RiskParamsManager) GetPoolParams(pool string) (*PoolParams, error) {
	p, ok := rpm.cfg.Pools[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotConfigured, pool)
	}
	return p, nil
}

func (rpm *RiskParamsManager) UpdatePairParams(p *PairParams) error {
	if err := ValidatePairParams(p); err != nil {
		return fmt.Errorf("invalid risk params for %s: %w", p.Pair, err)
	}
	rpm.cfg.Pairs[p.Pair] = p
	return nil
}

func (rpm *RiskParamsManager) UpdatePoolParams(p *PoolParams) error {
	if err := ValidatePoolParams(p); err != nil {
		return fmt.Errorf("invalid pool params for %s: %w", p.Pool, err)
	}
	rpm.cfg.Pools[p.Pool] = p
	return nil
}

// ValidateGlobal checks the global buffer and size floor.
func ValidateGlobal(cfg *RiskConfig) error {
	if cfg.SecurityBuffer == nil || !cfg.SecurityBuffer.Lt(fpmath.WAD()) {
		return fmt.Errorf("security_buffer must be < 1")
	}
	if cfg.MinPositionSizeUSD == nil {
		return fmt.Errorf("min_position_size_usd must be set")
	}
	return nil
}

// ValidatePairParams checks that both haircuts are fractions below one.
func ValidatePairParams(p *PairParams) error {
	if p.OracleTolerableLimit == nil || !p.OracleTolerableLimit.Lt(fpmath.WAD()) {
		return fmt.Errorf("oracle_tolerable_limit must be < 1")
	}
	if p.PairPriceDrop == nil || !p.PairPriceDrop.Lt(fpmath.WAD()) {
		return fmt.Errorf("pair_price_drop must be < 1")
	}
	if p.MaxPositionSizeUSD == nil {
		return fmt.Errorf("max_position_size_usd must be set")
	}
	return nil
}

func ValidatePoolParams(p *PoolParams) error {
	if p.FeeBuffer == nil || p.FeeBuffer.Lt(fpmath.WAD()) {
		return fmt.Errorf("fee_buffer must be >= 1")
	}
	return nil
}
