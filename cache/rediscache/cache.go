// Package rediscache serves usage snapshots from Redis so that several
// engine instances share one cache.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/xraph/tally/snapshot"
)

var _ snapshot.Cache = (*Cache)(nil)

// DefaultPrefix namespaces snapshot keys.
const DefaultPrefix = "tally:snapshot:"

// Cache implements snapshot.Cache on Redis. Each tenant has one key holding
// the latest snapshot; a stored snapshot for another month is a miss.
type Cache struct {
	client *redis.Client
	prefix string
}

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(p string) Option {
	return func(c *Cache) { c.prefix = p }
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Cache {
	c := &Cache{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a redis:// URL and checks the connection.
func Dial(ctx context.Context, url string, opts ...Option) (*Cache, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("rediscache: invalid redis URL: %w", err)
	}
	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 3 * time.Second
	ropts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(ropts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rediscache: connect: %w", err)
	}
	return New(client, opts...), nil
}

func (c *Cache) key(tenantID string) string {
	return c.prefix + tenantID
}

// GetCached implements snapshot.Cache.
func (c *Cache) GetCached(ctx context.Context, tenantID, monthKey string) (*snapshot.Snapshot, error) {
	key := c.key(tenantID)

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, snapshot.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("rediscache: get: %w", err)
	}

	var snap snapshot.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// Corrupt entries are dropped and reported as a miss.
		c.client.Del(ctx, key)
		return nil, snapshot.ErrMiss
	}
	if snap.MonthKey != monthKey {
		return nil, snapshot.ErrMiss
	}
	return &snap, nil
}

// SetCached implements snapshot.Cache.
func (c *Cache) SetCached(ctx context.Context, snap *snapshot.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("rediscache: marshal snapshot: %w", err)
	}
	return c.client.Set(ctx, c.key(snap.TenantID), data, ttl).Err()
}

// Invalidate implements snapshot.Cache.
func (c *Cache) Invalidate(ctx context.Context, tenantID string) error {
	return c.client.Del(ctx, c.key(tenantID)).Err()
}

// Ping checks the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}
