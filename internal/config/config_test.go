package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"MarginLedger/internal/config"
	"MarginLedger/internal/exchange"
	"MarginLedger/internal/fee"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/oracle"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "margin.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// =============================================================================
// Loading
// =============================================================================

func TestDefaultsValidate(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "paper", cfg.Mode)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "live"

[service]
http_addr = ":18080"
persist_flush_timeout = "25ms"

[[pools]]
name = "weth-main"
asset = "WETH"
borrow_rate = "0.03"
fee_buffer = "1.001"

[pools.rate_model]
base = "0.01"
slope1 = "0.04"
slope2 = "0.75"
optimal_utilization = "0.8"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, ":18080", cfg.Service.HTTPAddr)
	assert.Equal(t, ":9090", cfg.Service.GRPCAddr)
	assert.Equal(t, 25*time.Millisecond, cfg.Service.PersistFlushTimeout.Duration)
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, "weth-main", cfg.Pools[0].Name)
	require.NotNil(t, cfg.Pools[0].RateModel)
	assert.True(t, cfg.Pools[0].RateModel.OptimalUtilization.Equal(decimal.RequireFromString("0.8")))
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MARGIN_MODE", "live")
	t.Setenv("MARGIN_POSTGRES_DSN", "postgres://override")
	t.Setenv("MARGIN_SNAPSHOT_INTERVAL", "250")
	t.Setenv("MARGIN_NATS_ENABLED", "false")
	t.Setenv("MARGIN_COMMAND_TIMEOUT", "3s")
	t.Setenv("MARGIN_REDIS_DB", "not-a-number")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, "postgres://override", cfg.Postgres.DSN)
	assert.Equal(t, int64(250), cfg.Service.SnapshotInterval)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Service.CommandTimeout.Duration)
	assert.Equal(t, 0, cfg.Redis.DB, "unparseable values leave the default")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "sandbox"
	cfg.Postgres.DSN = ""
	cfg.Pools[0].Asset = "DOGE"
	cfg.Pairs[0].B = "USDC"
	cfg.Fees.Rates["Teleport"] = decimal.NewFromInt(0)
	cfg.Service.PersistBatchSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "sandbox"`,
		"postgres: dsn",
		`lends unknown asset "DOGE"`,
		"is not a pair",
		`unknown operation "Teleport"`,
		"persist_batch_size must be positive",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_DuplicateAsset(t *testing.T) {
	cfg := config.Defaults()
	cfg.Assets = append(cfg.Assets, config.AssetConfig{Symbol: "USDC", Decimals: 6})
	assert.ErrorContains(t, cfg.Validate(), `duplicate symbol "USDC"`)
}

// =============================================================================
// Building domain objects
// =============================================================================

func TestBuildRiskParams(t *testing.T) {
	cfg := config.Defaults()
	rpm, err := cfg.BuildRiskParams()
	require.NoError(t, err)

	pair, err := rpm.GetPairParams("WETH", "USDC")
	require.NoError(t, err)
	assert.Equal(t, "20000000000000000", pair.OracleTolerableLimit.Dec())
	assert.Equal(t, "100000000000000000", pair.PairPriceDrop.Dec())

	pool, err := rpm.GetPoolParams("usdc-main")
	require.NoError(t, err)
	assert.Equal(t, "1000500000000000000", pool.FeeBuffer.Dec())

	cfg.Risk.SecurityBuffer = decimal.NewFromInt(1)
	_, err = cfg.BuildRiskParams()
	assert.Error(t, err)

	cfg = config.Defaults()
	cfg.Pools[0].FeeBuffer = decimal.RequireFromString("0.99")
	_, err = cfg.BuildRiskParams()
	assert.Error(t, err)

	cfg = config.Defaults()
	cfg.Risk.MinPositionSizeUSD = decimal.NewFromInt(-1)
	_, err = cfg.BuildRiskParams()
	assert.ErrorContains(t, err, "must not be negative")
}

func TestBuildPools(t *testing.T) {
	cfg := config.Defaults()
	cfg.Pools[0].RateModel = &config.RateModelConfig{
		Base:               decimal.RequireFromString("0.01"),
		Slope1:             decimal.RequireFromString("0.04"),
		Slope2:             decimal.RequireFromString("0.75"),
		OptimalUtilization: decimal.RequireFromString("0.8"),
	}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	pools, err := cfg.BuildPools(now)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "usdc-main", pools[0].Name)
	assert.Equal(t, now.Unix(), pools[0].LastAccrual)
	assert.Equal(t, "50000000000000000", pools[0].BorrowRate.Dec())
	require.NotNil(t, pools[0].RateModel)

	cfg.Pools[0].RateModel.OptimalUtilization = decimal.NewFromInt(1)
	_, err = cfg.BuildPools(now)
	assert.Error(t, err)
}

func TestBuildFeeSchedule(t *testing.T) {
	cfg := config.Defaults()
	s, err := cfg.BuildFeeSchedule()
	require.NoError(t, err)

	assert.Equal(t, "10000000000000000", s.Rate(fee.OpLiquidation).Dec())
	assert.Equal(t, "1000000000000000", s.Rate(fee.OpOpenMarket).Dec())
	assert.Equal(t, uint64(400_000), s.GasUnits[fee.OpLiquidation])
	assert.Equal(t, fpmath.WAD().Dec(), s.DiscountMultiplier.Dec())
	assert.Equal(t, "500000000000000000", s.KeeperRewardShare.Dec())

	cfg.Fees.GasPrice = "12"
	s, err = cfg.BuildFeeSchedule()
	require.NoError(t, err)
	assert.Equal(t, uint64(12), s.GasPrice.Uint64())

	cfg.Fees.GasPrice = "1.5"
	_, err = cfg.BuildFeeSchedule()
	assert.ErrorContains(t, err, "fees.gas_price")

	cfg = config.Defaults()
	cfg.Fees.KeeperRewardShare = decimal.RequireFromString("1.5")
	_, err = cfg.BuildFeeSchedule()
	assert.Error(t, err)
}

func TestSeedPaper(t *testing.T) {
	cfg := config.Defaults()
	assets := cfg.AssetRegistry()
	sim := exchange.NewSimulator(assets)
	static := oracle.NewStatic(0, nil)

	require.NoError(t, cfg.SeedPaper(sim, static))

	rate, err := static.USDRate(context.Background(), "WETH", oracle.RouteData("r"))
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000000", rate.Dec())

	dec, err := assets.Decimals("WETH")
	require.NoError(t, err)
	assert.Equal(t, uint8(18), dec)

	cfg.Paper.Venues[0].Rate = decimal.Zero
	assert.ErrorContains(t, cfg.SeedPaper(sim, static), "rate must be positive")
}
