package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

// DefaultRedisPrefix namespaces balance keys.
const DefaultRedisPrefix = "points:balance"

// Redis is a balance cache shared by every instance of the service.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	obs    Observer
	log    zerolog.Logger
}

var _ points.BalanceCache = (*Redis)(nil)

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

func WithObserver(obs Observer) RedisOption {
	return func(r *Redis) { r.obs = obs }
}

func NewRedis(client *redis.Client, ttl time.Duration, logger zerolog.Logger, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		ttl:    ttl,
		prefix: DefaultRedisPrefix,
		obs:    noObserver{},
		log:    logger.With().Str("component", "balance_cache").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(userID points.UserID) string {
	return fmt.Sprintf("%s:%s", r.prefix, userID)
}

func (r *Redis) Get(ctx context.Context, userID points.UserID) (*points.WalletSummary, bool) {
	data, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn().Err(err).Str("user_id", string(userID)).Msg("cache get failed")
		}
		r.obs.RecordCacheMiss()
		return nil, false
	}

	var s points.WalletSummary
	if err := json.Unmarshal(data, &s); err != nil {
		r.log.Warn().Err(err).Str("user_id", string(userID)).Msg("cache entry unreadable")
		r.obs.RecordCacheMiss()
		return nil, false
	}
	r.obs.RecordCacheHit()
	return &s, true
}

func (r *Redis) Set(ctx context.Context, userID points.UserID, s points.WalletSummary) {
	data, err := json.Marshal(s)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", string(userID)).Msg("cache encode failed")
		return
	}
	if err := r.client.Set(ctx, r.key(userID), data, r.ttl).Err(); err != nil {
		r.log.Warn().Err(err).Str("user_id", string(userID)).Msg("cache set failed")
	}
}

// Invalidate must not be skipped on a cancelled request context: the
// mutation it follows has already committed.
func (r *Redis) Invalidate(ctx context.Context, userID points.UserID) {
	ctx = context.WithoutCancel(ctx)
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		r.log.Error().Err(err).Str("user_id", string(userID)).Msg("cache invalidate failed")
	}
}

// Ping reports whether redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
