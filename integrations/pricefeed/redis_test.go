package pricefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"moneymarket/native/lending"
)

type memHashes struct {
	data map[string]map[string]string
	err  error
}

func (m *memHashes) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	if m.err != nil {
		return redis.NewMapStringStringResult(nil, m.err)
	}
	out := make(map[string]string)
	for k, v := range m.data[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (m *memHashes) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	if m.data == nil {
		m.data = make(map[string]map[string]string)
	}
	if m.data[key] == nil {
		m.data[key] = make(map[string]string)
	}
	fields := values[0].(map[string]interface{})
	for k, v := range fields {
		m.data[key][k] = v.(string)
	}
	return redis.NewIntResult(int64(len(fields)), nil)
}

func TestRedisFeedRoundTrip(t *testing.T) {
	store := &memHashes{}
	now := time.Unix(1_700_000_000, 0)
	feed := newRedisFeed(store, RedisConfig{KeyPrefix: "prices:", MaxAge: time.Minute})
	feed.now = func() time.Time { return now }

	require.NoError(t, feed.Publish(context.Background(), "ETH/USD", lending.MustWad("2500.5"), now.Add(-10*time.Second)))
	require.Contains(t, store.data, "prices:ETH/USD")

	price, err := feed.GetPrice("ETH/USD")
	require.NoError(t, err)
	require.Equal(t, lending.MustWad("2500.5"), price)
}

func TestRedisFeedFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := &memHashes{data: map[string]map[string]string{
		"p:OLD":   {"price": "1", "ts": "1"},
		"p:BAD":   {"price": "one"},
		"p:NOTS":  {"price": "1"},
		"p:FRESH": {"price": "1", "ts": "1700000000000000000"},
	}}
	feed := newRedisFeed(store, RedisConfig{KeyPrefix: "p:", MaxAge: time.Minute})
	feed.now = func() time.Time { return now }

	_, err := feed.GetPrice("MISSING")
	require.ErrorIs(t, err, ErrMissingPrice)
	_, err = feed.GetPrice("OLD")
	require.ErrorIs(t, err, ErrStalePrice)
	_, err = feed.GetPrice("NOTS")
	require.ErrorIs(t, err, ErrStalePrice)
	_, err = feed.GetPrice("BAD")
	require.Error(t, err)
	_, err = feed.GetPrice("FRESH")
	require.NoError(t, err)

	store.err = errors.New("connection refused")
	_, err = feed.GetPrice("FRESH")
	require.ErrorContains(t, err, "connection refused")
}

func TestRedisFeedWithoutMaxAgeIgnoresTimestamp(t *testing.T) {
	store := &memHashes{data: map[string]map[string]string{"ETH/USD": {"price": "3"}}}
	feed := newRedisFeed(store, RedisConfig{})
	price, err := feed.GetPrice("ETH/USD")
	require.NoError(t, err)
	require.Equal(t, lending.MustWad("3"), price)
	require.NoError(t, feed.Close())
}
