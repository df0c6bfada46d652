// Package pricefeed adapts external price sources to lending.PriceFeed.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"moneymarket/native/lending"
)

// ErrStalePrice is returned when the stored price is older than MaxAge.
var ErrStalePrice = errors.New("pricefeed: price is stale")

// ErrMissingPrice is returned when no price is stored for a feed.
var ErrMissingPrice = errors.New("pricefeed: price not found")

// hashStore is the subset of the redis client the feed needs.
type hashStore interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisConfig holds connection and lookup parameters.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
	// MaxAge rejects prices older than this. Zero disables the check.
	MaxAge time.Duration
}

// RedisFeed reads wad-scaled USD prices that an oracle process publishes as
// Redis hashes at "{prefix}{feedID}" with fields "price" (decimal string)
// and "ts" (Unix nanoseconds).
type RedisFeed struct {
	store   hashStore
	closer  func() error
	prefix  string
	timeout time.Duration
	maxAge  time.Duration
	now     func() time.Time
}

var _ lending.PriceFeed = (*RedisFeed)(nil)

// NewRedisFeed connects and pings the server.
func NewRedisFeed(ctx context.Context, cfg RedisConfig) (*RedisFeed, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	feed := newRedisFeed(rdb, cfg)
	feed.closer = rdb.Close
	return feed, nil
}

func newRedisFeed(store hashStore, cfg RedisConfig) *RedisFeed {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisFeed{
		store:   store,
		prefix:  cfg.KeyPrefix,
		timeout: timeout,
		maxAge:  cfg.MaxAge,
		now:     time.Now,
	}
}

// GetPrice implements lending.PriceFeed.
func (f *RedisFeed) GetPrice(feedID string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	key := f.prefix + strings.TrimSpace(feedID)
	vals, err := f.store.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get price %s: %w", feedID, err)
	}
	raw, ok := vals["price"]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingPrice, feedID)
	}
	price, err := lending.ParseWad(raw)
	if err != nil {
		return nil, fmt.Errorf("redis: parse price %s: %w", feedID, err)
	}
	if f.maxAge > 0 {
		tsRaw, ok := vals["ts"]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no timestamp", ErrStalePrice, feedID)
		}
		nanos, err := strconv.ParseInt(tsRaw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: parse ts %s: %w", feedID, err)
		}
		if age := f.now().Sub(time.Unix(0, nanos)); age > f.maxAge {
			return nil, fmt.Errorf("%w: %s is %s old", ErrStalePrice, feedID, age.Truncate(time.Millisecond))
		}
	}
	return price, nil
}

// Publish stores a price for feedID. Used by operator tooling and tests.
func (f *RedisFeed) Publish(ctx context.Context, feedID string, price *big.Int, ts time.Time) error {
	fields := map[string]interface{}{
		"price": lending.FormatWad(price),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := f.store.HSet(ctx, f.prefix+strings.TrimSpace(feedID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", feedID, err)
	}
	return nil
}

// Close releases the connection when the feed owns it.
func (f *RedisFeed) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer()
}
