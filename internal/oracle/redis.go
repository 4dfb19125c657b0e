package oracle

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection parameters for the rate cache.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// NewRedisClient creates a go-redis client and pings it.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// RedisOracle reads rates published by an upstream feed. Each rate is a hash at
// "rate:{route}:{BASE}:{QUOTE}" with fields "rate" (decimal string) and "ts" (unix seconds).
// The route data names the feed, so different pairs can be priced by different sources.
type RedisOracle struct {
	rdb    *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

func NewRedisOracle(rdb *redis.Client, maxAge time.Duration) *RedisOracle {
	return &RedisOracle{rdb: rdb, maxAge: maxAge, now: time.Now}
}

func rateKey(route RouteData, base, quote string) string {
	return fmt.Sprintf("rate:%s:%s:%s", route, base, quote)
}

// Publish stores a rate; used by the feed and by operators seeding a paper environment.
func (o *RedisOracle) Publish(ctx context.Context, route RouteData, base, quote string, rate *uint256.Int, ts time.Time) error {
	fields := map[string]interface{}{
		"rate": fpmath.FormatWad(rate),
		"ts":   strconv.FormatInt(ts.Unix(), 10),
	}
	if err := o.rdb.HSet(ctx, rateKey(route, base, quote), fields).Err(); err != nil {
		return fmt.Errorf("redis: publish rate %s/%s: %w", base, quote, err)
	}
	return nil
}

func (o *RedisOracle) Rate(ctx context.Context, base, quote string, route RouteData) (*uint256.Int, error) {
	if len(route) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrMissingRoute, base, quote)
	}
	if base == quote {
		return fpmath.WAD(), nil
	}

	rate, err := o.read(ctx, rateKey(route, base, quote), base, quote)
	if err == nil {
		return rate, nil
	}
	if !isUnknown(err) {
		return nil, err
	}

	inverse, err := o.read(ctx, rateKey(route, quote, base), quote, base)
	if err != nil {
		return nil, err
	}
	return Invert(inverse)
}

func (o *RedisOracle) USDRate(ctx context.Context, asset string, route RouteData) (*uint256.Int, error) {
	return o.Rate(ctx, asset, USD, route)
}

func (o *RedisOracle) read(ctx context.Context, key, base, quote string) (*uint256.Int, error) {
	vals, err := o.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get rate %s: %w", key, err)
	}
	rateStr, ok := vals["rate"]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPair, base, quote)
	}
	rate, err := fpmath.ParseWad(rateStr)
	if err != nil {
		return nil, fmt.Errorf("redis: parse rate %s: %w", key, err)
	}
	if rate.IsZero() {
		return nil, fmt.Errorf("%w: %s/%s", ErrZeroRate, base, quote)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s has no timestamp", ErrStalePrice, base, quote)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse ts %s: %w", key, err)
	}
	if o.maxAge > 0 && o.now().Sub(time.Unix(ts, 0)) > o.maxAge {
		return nil, fmt.Errorf("%w: %s/%s at %d", ErrStalePrice, base, quote, ts)
	}
	return rate, nil
}

func isUnknown(err error) bool {
	return err != nil && errors.Is(err, ErrUnknownPair)
}
