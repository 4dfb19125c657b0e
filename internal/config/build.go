package config

import (
	"fmt"
	"math/big"
	"time"

	"MarginLedger/internal/exchange"
	"MarginLedger/internal/fee"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var operationByName = map[string]fee.Operation{
	fee.OpOpenMarket.String():    fee.OpOpenMarket,
	fee.OpOpenByOrder.String():   fee.OpOpenByOrder,
	fee.OpCloseByOwner.String():  fee.OpCloseByOwner,
	fee.OpCloseByKeeper.String(): fee.OpCloseByKeeper,
	fee.OpLiquidation.String():   fee.OpLiquidation,
}

// toWad converts a decimal fraction or USD amount to an 18-decimal fixed-point integer.
func toWad(field string, d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%s: must not be negative", field)
	}
	v, err := fpmath.ParseWad(d.String())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func (c *Config) AssetRegistry() *ledger.AssetRegistry {
	reg := ledger.NewAssetRegistry()
	for _, a := range c.Assets {
		reg.Register(ledger.Asset{Symbol: a.Symbol, Decimals: a.Decimals})
	}
	return reg
}

// BuildPools creates empty lending pools accruing from now. A restored snapshot overwrites
// their balances and index.
func (c *Config) BuildPools(now time.Time) ([]*state.Bucket, error) {
	pools := make([]*state.Bucket, 0, len(c.Pools))
	for _, p := range c.Pools {
		rate, err := toWad("pools."+p.Name+".borrow_rate", p.BorrowRate)
		if err != nil {
			return nil, err
		}
		b := state.NewBucket(p.Name, p.Asset, rate, now.Unix())
		if p.RateModel != nil {
			m, err := p.RateModel.build(p.Name)
			if err != nil {
				return nil, err
			}
			b.RateModel = m
		}
		pools = append(pools, b)
	}
	return pools, nil
}

func (m *RateModelConfig) build(pool string) (*state.RateModel, error) {
	prefix := "pools." + pool + ".rate_model."
	var out state.RateModel
	var err error
	if out.Base, err = toWad(prefix+"base", m.Base); err != nil {
		return nil, err
	}
	if out.Slope1, err = toWad(prefix+"slope1", m.Slope1); err != nil {
		return nil, err
	}
	if out.Slope2, err = toWad(prefix+"slope2", m.Slope2); err != nil {
		return nil, err
	}
	if out.OptimalUtilization, err = toWad(prefix+"optimal_utilization", m.OptimalUtilization); err != nil {
		return nil, err
	}
	if _, err := out.BorrowRate(new(uint256.Int)); err != nil {
		return nil, fmt.Errorf("pools.%s: %w", pool, err)
	}
	return &out, nil
}

// BuildRiskParams converts the risk section, pair and pool entries into a validated manager.
func (c *Config) BuildRiskParams() (*state.RiskParamsManager, error) {
	buffer, err := toWad("risk.security_buffer", c.Risk.SecurityBuffer)
	if err != nil {
		return nil, err
	}
	minSize, err := toWad("risk.min_position_size_usd", c.Risk.MinPositionSizeUSD)
	if err != nil {
		return nil, err
	}
	rc := state.NewRiskConfig(buffer, minSize)

	for _, p := range c.Pairs {
		key := state.NewPairKey(p.A, p.B)
		limit, err := toWad("pairs."+key.String()+".oracle_tolerable_limit", p.OracleTolerableLimit)
		if err != nil {
			return nil, err
		}
		drop, err := toWad("pairs."+key.String()+".pair_price_drop", p.PairPriceDrop)
		if err != nil {
			return nil, err
		}
		maxSize, err := toWad("pairs."+key.String()+".max_position_size_usd", p.MaxPositionSizeUSD)
		if err != nil {
			return nil, err
		}
		rc.Pairs[key] = &state.PairParams{
			Pair:                 key,
			OracleTolerableLimit: limit,
			PairPriceDrop:        drop,
			MaxPositionSizeUSD:   maxSize,
		}
	}
	for _, p := range c.Pools {
		buf, err := toWad("pools."+p.Name+".fee_buffer", p.FeeBuffer)
		if err != nil {
			return nil, err
		}
		rc.Pools[p.Name] = &state.PoolParams{Pool: p.Name, FeeBuffer: buf}
	}
	return state.NewRiskParamsManager(rc)
}

func (c *Config) BuildFeeSchedule() (*fee.Schedule, error) {
	s := fee.NewSchedule()
	for name, r := range c.Fees.Rates {
		op, ok := operationByName[name]
		if !ok {
			return nil, fmt.Errorf("fees.rates: unknown operation %q", name)
		}
		v, err := toWad("fees.rates."+name, r)
		if err != nil {
			return nil, err
		}
		s.Rates[op] = v
	}
	for name, units := range c.Fees.GasUnits {
		op, ok := operationByName[name]
		if !ok {
			return nil, fmt.Errorf("fees.gas_units: unknown operation %q", name)
		}
		s.GasUnits[op] = units
	}

	var err error
	if s.MaxFeeUSD, err = toWad("fees.max_fee_usd", c.Fees.MaxFeeUSD); err != nil {
		return nil, err
	}
	gasPrice := c.Fees.GasPrice
	if gasPrice == "" {
		gasPrice = "0"
	}
	if s.GasPrice, err = parseBaseUnits(gasPrice); err != nil {
		return nil, fmt.Errorf("fees.gas_price: %w", err)
	}
	s.NativeAsset = c.Fees.NativeAsset
	s.DiscountToken = c.Fees.DiscountToken
	if s.DiscountMultiplier, err = toWad("fees.discount_multiplier", c.Fees.DiscountMultiplier); err != nil {
		return nil, err
	}
	if s.KeeperRewardShare, err = toWad("fees.keeper_reward_share", c.Fees.KeeperRewardShare); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseBaseUnits(s string) (*uint256.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	v, overflow := uint256.FromBig(n)
	if overflow {
		return nil, fmt.Errorf("%q overflows 256 bits", s)
	}
	return v, nil
}

// SeedPaper loads the paper section into the in-memory oracle and the venue simulator.
func (c *Config) SeedPaper(sim *exchange.Simulator, static *oracle.Static) error {
	for _, r := range c.Paper.Rates {
		v, err := toWad("paper.rates."+r.Base+"/"+r.Quote, r.Rate)
		if err != nil {
			return err
		}
		if v.IsZero() {
			return fmt.Errorf("paper.rates.%s/%s: rate must be positive", r.Base, r.Quote)
		}
		static.SetRate(r.Base, r.Quote, v)
	}
	for _, v := range c.Paper.Venues {
		rate, err := toWad("paper.venues."+v.Venue, v.Rate)
		if err != nil {
			return err
		}
		if rate.IsZero() {
			return fmt.Errorf("paper.venues.%s: rate must be positive", v.Venue)
		}
		if err := sim.SetPair(v.Venue, v.Base, v.Quote, rate); err != nil {
			return err
		}
	}
	return nil
}
