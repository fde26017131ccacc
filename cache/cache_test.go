package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/cache"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points/store"
)

type counter struct{ hits, misses int }

func (c *counter) RecordCacheHit()  { c.hits++ }
func (c *counter) RecordCacheMiss() { c.misses++ }

func summary() points.WalletSummary {
	next := points.Date(2025, 2, 1)
	return points.WalletSummary{
		UserID:           "alice",
		WalletID:         "w1",
		Balance:          decimal.RequireFromString("12.50"),
		TotalEarned:      decimal.RequireFromString("20"),
		TotalBurned:      decimal.RequireFromString("7.50"),
		TotalExpired:     decimal.Zero,
		ActiveBatches:    2,
		NextExpiry:       &next,
		NextExpiryPoints: decimal.RequireFromString("2.50"),
		AsOf:             points.Date(2025, 1, 1),
	}
}

func newRedis(t *testing.T, obs cache.Observer) (*cache.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewRedis(client, time.Minute, zerolog.Nop(), cache.WithObserver(obs)), mr
}

func TestMemory_GetSetInvalidate(t *testing.T) {
	ctx := context.Background()
	obs := &counter{}
	c := cache.NewMemory(time.Minute, obs)

	_, ok := c.Get(ctx, "alice")
	assert.False(t, ok)

	c.Set(ctx, "alice", summary())
	got, ok := c.Get(ctx, "alice")
	require.True(t, ok)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("12.5")))

	c.Invalidate(ctx, "alice")
	_, ok = c.Get(ctx, "alice")
	assert.False(t, ok)

	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 2, obs.misses)
}

func TestRedis_RoundTrip(t *testing.T) {
	ctx := context.Background()
	obs := &counter{}
	c, mr := newRedis(t, obs)

	c.Set(ctx, "alice", summary())
	assert.True(t, mr.Exists(cache.DefaultRedisPrefix+":alice"))
	assert.Equal(t, time.Minute, mr.TTL(cache.DefaultRedisPrefix+":alice"))

	got, ok := c.Get(ctx, "alice")
	require.True(t, ok)
	want := summary()
	assert.Equal(t, want.UserID, got.UserID)
	assert.True(t, want.Balance.Equal(got.Balance))
	assert.True(t, want.NextExpiryPoints.Equal(got.NextExpiryPoints))
	require.NotNil(t, got.NextExpiry)
	assert.True(t, want.NextExpiry.Equal(*got.NextExpiry))
	assert.Equal(t, 2, got.ActiveBatches)
	assert.Equal(t, 1, obs.hits)
}

func TestRedis_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedis(t, &counter{})
	c.Set(ctx, "alice", summary())

	mr.FastForward(2 * time.Minute)

	_, ok := c.Get(ctx, "alice")
	assert.False(t, ok)
}

func TestRedis_UnavailableIsAMiss(t *testing.T) {
	ctx := context.Background()
	obs := &counter{}
	c, mr := newRedis(t, obs)
	mr.Close()

	c.Set(ctx, "alice", summary())
	_, ok := c.Get(ctx, "alice")
	c.Invalidate(ctx, "alice")

	assert.False(t, ok)
	assert.Equal(t, 1, obs.misses)
	assert.Error(t, c.Ping(ctx))
}

func TestEngine_InvalidatesAfterMutation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.SaveService(ctx, points.Service{ID: "fuel", Name: "Fuel", IsActive: true}))
	require.NoError(t, s.SaveRule(ctx, points.Rule{
		ID: "earn", ServiceID: "fuel", Type: points.RuleEarn,
		PointsPerUnit: decimal.NewFromInt(1), UnitAmount: decimal.NewFromInt(10),
		ValidFrom: points.Date(2024, 1, 1), IsActive: true,
	}))
	c, _ := newRedis(t, &counter{})
	engine := points.NewEngine(points.EngineConfig{
		Rules: s, Wallets: s, Cache: c, Logger: zerolog.Nop(),
		Clock: points.NewManualClock(points.Date(2025, 1, 1)),
	})
	_, err := engine.OpenWallet(ctx, "alice")
	require.NoError(t, err)

	// GIVEN: a cached zero balance
	before, err := engine.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, before.Balance.IsZero())

	// WHEN
	_, err = engine.Earn(ctx, points.EarnRequest{UserID: "alice", ServiceID: "fuel", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	// THEN: the next read sees the earn
	after, err := engine.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "10.00", after.Balance.StringFixed(2))
}
