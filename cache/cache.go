/*
Package cache provides points.BalanceCache implementations.

The cache only ever serves GetBalance. The engine invalidates a user's
entry after every committed mutation, so a stale read lasts at most until
the next write or the TTL, whichever comes first. Cache failures are
logged and treated as misses; they never fail a ledger operation.

IMPLEMENTATIONS:
  Memory: in-process, github.com/patrickmn/go-cache
  Redis:  shared across instances, github.com/redis/go-redis/v9
*/
package cache

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

// Observer is told about hits and misses. *metrics.Metrics satisfies it.
type Observer interface {
	RecordCacheHit()
	RecordCacheMiss()
}

type noObserver struct{}

func (noObserver) RecordCacheHit()  {}
func (noObserver) RecordCacheMiss() {}

// Memory is an in-process balance cache.
type Memory struct {
	c   *cache.Cache
	obs Observer
}

var _ points.BalanceCache = (*Memory)(nil)

// NewMemory caches summaries for ttl and purges expired entries every
// 2*ttl. obs may be nil.
func NewMemory(ttl time.Duration, obs Observer) *Memory {
	if obs == nil {
		obs = noObserver{}
	}
	return &Memory{c: cache.New(ttl, 2*ttl), obs: obs}
}

func (m *Memory) Get(_ context.Context, userID points.UserID) (*points.WalletSummary, bool) {
	v, ok := m.c.Get(string(userID))
	if !ok {
		m.obs.RecordCacheMiss()
		return nil, false
	}
	s := v.(points.WalletSummary)
	m.obs.RecordCacheHit()
	return &s, true
}

func (m *Memory) Set(_ context.Context, userID points.UserID, s points.WalletSummary) {
	m.c.Set(string(userID), s, cache.DefaultExpiration)
}

func (m *Memory) Invalidate(_ context.Context, userID points.UserID) {
	m.c.Delete(string(userID))
}

// Flush drops every entry.
func (m *Memory) Flush() {
	m.c.Flush()
}
