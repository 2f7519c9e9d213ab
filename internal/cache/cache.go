// Package cache fronts the ledger's status lookups with a Redis metadata
// cache. Entries mirror a record's public metadata only; wrapped keys never
// enter the cache. A Redis outage degrades to ledger reads.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "file_meta:"

// Meta is the cached public metadata for one record.
type Meta struct {
	State         string    `json:"state"`
	Filename      string    `json:"filename"`
	Size          int64     `json:"size"`
	ContentType   string    `json:"content_type"`
	ExpiresAt     time.Time `json:"expires_at"`
	DownloadCount int       `json:"download_count"`
}

// MetaCache is the cache contract. Nil-safe helpers below let callers run
// without any cache configured.
type MetaCache interface {
	Get(ctx context.Context, token string) (Meta, bool)
	Set(ctx context.Context, token string, m Meta, ttl time.Duration)
	Invalidate(ctx context.Context, token string)
}

// RedisCache stores metadata in Redis with a TTL matching the record's
// remaining lifetime.
type RedisCache struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisCache connects to Redis and verifies connectivity.
func NewRedisCache(ctx context.Context, addr string, log zerolog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisCache{client: client, log: log}, nil
}

func (c *RedisCache) Get(ctx context.Context, token string) (Meta, bool) {
	raw, err := c.client.Get(ctx, keyPrefix+token).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Msg("metadata cache read failed")
		}
		return Meta{}, false
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, false
	}
	return m, true
}

func (c *RedisCache) Set(ctx context.Context, token string, m Meta, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, keyPrefix+token, raw, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("metadata cache write failed")
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, token string) {
	if err := c.client.Del(ctx, keyPrefix+token).Err(); err != nil {
		c.log.Warn().Err(err).Msg("metadata cache invalidate failed")
	}
}

// Ping reports cache health for the health endpoint.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *RedisCache) Close() error { return c.client.Close() }

var _ MetaCache = (*RedisCache)(nil)
