// Package cache holds short-lived copies of expensive read responses, currently
// the dashboard.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/storyline/internal/observe"
)

// DashboardKey returns the cache key of the dashboard for userID, or of the
// anonymous dashboard when userID is nil.
func DashboardKey(userID *int64) string {
	if userID == nil {
		return "dashboard:anon"
	}
	return "dashboard:user:" + strconv.FormatInt(*userID, 10)
}

// Cache stores opaque encoded responses by key.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error

	// SetTTL changes the lifetime of entries written afterwards. A TTL of
	// zero disables caching.
	SetTTL(ttl time.Duration)
}

// Noop never stores anything.
type Noop struct{}

var _ Cache = Noop{}

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte) error         { return nil }
func (Noop) SetTTL(time.Duration)                              {}

// Redis caches values in Redis with a TTL.
type Redis struct {
	client  redis.UniversalClient
	name    string
	ttl     atomic.Int64
	metrics *observe.Metrics
}

var _ Cache = (*Redis)(nil)

// NewRedis returns a cache named name (used as a metrics label) over client.
// m may be nil.
func NewRedis(client redis.UniversalClient, name string, ttl time.Duration, m *observe.Metrics) *Redis {
	c := &Redis{client: client, name: name, metrics: m}
	c.ttl.Store(int64(ttl))
	return c
}

// Get implements Cache.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.ttl.Load() <= 0 {
		return nil, false, nil
	}
	b, err := c.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		c.lookup(ctx, false)
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	c.lookup(ctx, true)
	return b, true, nil
}

// Set implements Cache.
func (c *Redis) Set(ctx context.Context, key string, value []byte) error {
	ttl := time.Duration(c.ttl.Load())
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// SetTTL implements Cache.
func (c *Redis) SetTTL(ttl time.Duration) { c.ttl.Store(int64(ttl)) }

// TTL returns the current entry lifetime.
func (c *Redis) TTL() time.Duration { return time.Duration(c.ttl.Load()) }

func (c *Redis) lookup(ctx context.Context, hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, c.name, hit)
	}
}
