package oracle_test

import (
	"context"
	"os"
	"testing"
	"time"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/oracle"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var route = oracle.RouteData("chainlink")

func wad(s string) *uint256.Int {
	v, err := fpmath.ParseWad(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestStaticDirectAndInverse(t *testing.T) {
	o := oracle.NewStatic(0, nil)
	o.SetRate("WETH", "USDC", wad("2000"))
	ctx := context.Background()

	r, err := o.Rate(ctx, "WETH", "USDC", route)
	require.NoError(t, err)
	assert.Equal(t, wad("2000"), r)

	inv, err := o.Rate(ctx, "USDC", "WETH", route)
	require.NoError(t, err)
	assert.Equal(t, wad("0.0005"), inv)

	same, err := o.Rate(ctx, "USDC", "USDC", route)
	require.NoError(t, err)
	assert.Equal(t, fpmath.WAD(), same)
}

func TestStaticRequiresRoute(t *testing.T) {
	o := oracle.NewStatic(0, nil)
	o.SetRate("WETH", "USDC", wad("2000"))

	_, err := o.Rate(context.Background(), "WETH", "USDC", nil)
	assert.ErrorIs(t, err, oracle.ErrMissingRoute)

	_, err = o.Rate(context.Background(), "WBTC", "USDC", route)
	assert.ErrorIs(t, err, oracle.ErrUnknownPair)
}

func TestStaticStaleness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := oracle.NewStatic(time.Minute, func() time.Time { return now })
	o.SetRate("USDC", oracle.USD, wad("1"))

	_, err := o.USDRate(context.Background(), "USDC", route)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = o.USDRate(context.Background(), "USDC", route)
	assert.ErrorIs(t, err, oracle.ErrStalePrice)
}

func TestRedisOracleRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := oracle.NewRedisClient(ctx, oracle.RedisConfig{Addr: addr})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer rdb.Close()

	o := oracle.NewRedisOracle(rdb, time.Minute)
	require.NoError(t, o.Publish(ctx, route, "WETH", "USDC", wad("2500.5"), time.Now()))

	r, err := o.Rate(ctx, "WETH", "USDC", route)
	require.NoError(t, err)
	assert.Equal(t, wad("2500.5"), r)

	inv, err := o.Rate(ctx, "USDC", "WETH", route)
	require.NoError(t, err)
	assert.True(t, inv.Gt(new(uint256.Int)))

	require.NoError(t, o.Publish(ctx, route, "WBTC", "USDC", wad("60000"), time.Now().Add(-time.Hour)))
	_, err = o.Rate(ctx, "WBTC", "USDC", route)
	assert.ErrorIs(t, err, oracle.ErrStalePrice)
}
