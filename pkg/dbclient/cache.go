package dbclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/piwheels/master/pkg/dbworker"
)

// CachingClient wraps a Client with an optional read-through Redis cache
// in front of the read-only, rarely-changing menu entries (ALLPKGS,
// GETSTATS, GETSEARCH), adapted from the teacher's
// pkg/storage/postgres/redis.go TTL-map-by-key-kind cache wrapper. It
// never sits in front of writes: every mutating method is forwarded to
// the embedded Client untouched, preserving invariant 5 (the PyPI serial
// never decreases) and the single-writer-per-worker guarantee.
type CachingClient struct {
	*Client
	redis *redis.Client
	ttl   time.Duration
}

// NewCaching wraps client with a Redis read-through cache. redisURL is
// parsed with redis.ParseURL, matching the teacher's NewRedisClient.
func NewCaching(client *Client, redisURL string, ttl time.Duration) (*CachingClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("dbclient: invalid redis URL: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachingClient{
		Client: client,
		redis:  redis.NewClient(opts),
		ttl:    ttl,
	}, nil
}

// Close releases the underlying Redis connection.
func (c *CachingClient) Close() error {
	return c.redis.Close()
}

// Ping checks Redis connectivity, used by the health checker.
func (c *CachingClient) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// RedisHandle returns the underlying client for observability.NewHealthChecker.
func (c *CachingClient) RedisHandle() *redis.Client {
	return c.redis
}

const (
	cacheKeyAllPackages = "piwheels:cache:allpkgs"
	cacheKeyGetStats    = "piwheels:cache:getstats"
	cacheKeyGetSearch   = "piwheels:cache:getsearch"
)

// AllPackages is read-through cached: a hit avoids the DbGateway round
// trip entirely, a miss falls through to the Client and populates the
// cache for the next caller.
func (c *CachingClient) AllPackages(ctx context.Context) (map[string]bool, error) {
	var out map[string]bool
	if hit, err := c.get(ctx, cacheKeyAllPackages, &out); err == nil && hit {
		return out, nil
	}
	out, err := c.Client.AllPackages(ctx)
	if err != nil {
		return nil, err
	}
	c.set(ctx, cacheKeyAllPackages, out)
	return out, nil
}

// GetStats is read-through cached for the same reason as AllPackages:
// it backs both the external status feed and repeated admin polling.
func (c *CachingClient) GetStats(ctx context.Context) (dbworker.StatisticsRecord, error) {
	var out dbworker.StatisticsRecord
	if hit, err := c.get(ctx, cacheKeyGetStats, &out); err == nil && hit {
		return out, nil
	}
	out, err := c.Client.GetStats(ctx)
	if err != nil {
		return dbworker.StatisticsRecord{}, err
	}
	c.set(ctx, cacheKeyGetStats, out)
	return out, nil
}

// GetSearch is read-through cached.
func (c *CachingClient) GetSearch(ctx context.Context) (map[string]dbworker.SearchCounts, error) {
	var out map[string]dbworker.SearchCounts
	if hit, err := c.get(ctx, cacheKeyGetSearch, &out); err == nil && hit {
		return out, nil
	}
	out, err := c.Client.GetSearch(ctx)
	if err != nil {
		return nil, err
	}
	c.set(ctx, cacheKeyGetSearch, out)
	return out, nil
}

// InvalidateCatalog drops every cached menu entry. Called whenever a
// catalog-changing admin command or index event lands, so the next read
// goes to the database rather than serving a stale cached set.
func (c *CachingClient) InvalidateCatalog(ctx context.Context) {
	c.redis.Del(ctx, cacheKeyAllPackages, cacheKeyGetStats, cacheKeyGetSearch)
}

func (c *CachingClient) get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		c.redis.Del(ctx, key)
		return false, err
	}
	return true, nil
}

func (c *CachingClient) set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.redis.Set(ctx, key, data, c.ttl)
}
