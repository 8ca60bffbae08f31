package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polisai/dispatch-oss/pkg/domain"
)

// RedisConfig configures the optional Redis-backed ResultCache.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// RedisCache stores results in Redis with per-entry TTLs. It is selected
// instead of the in-memory cache when multiple engine instances should share
// hits; durability is still not a goal, entries expire like any other.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg RedisConfig, logger *slog.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("%w: connect to redis at %s: %v", domain.ErrCacheUnavailable, cfg.Address, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dispatch:result:"
	}
	return &RedisCache{client: client, prefix: prefix, logger: logger}, nil
}

// Get fetches and decodes the value for fingerprint. Backend errors are
// logged and reported as misses so a degraded Redis never fails a dispatch.
func (c *RedisCache) Get(ctx context.Context, fingerprint string) (any, bool) {
	data, err := c.client.Get(ctx, c.prefix+fingerprint).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis cache get failed", "error", err)
		}
		return nil, false
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		c.logger.Warn("redis cache entry undecodable, dropping", "error", err)
		c.client.Del(ctx, c.prefix+fingerprint)
		return nil, false
	}
	return value, true
}

// Put encodes value and stores it with ttl. Errors are logged, not returned;
// caching is best-effort.
func (c *RedisCache) Put(ctx context.Context, fingerprint string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("redis cache value unencodable, skipping", "error", err)
		return
	}
	if err := c.client.Set(ctx, c.prefix+fingerprint, data, ttl).Err(); err != nil {
		c.logger.Warn("redis cache put failed", "error", err)
	}
}

// Len reports -1: Redis does not expose a cheap per-prefix count and status
// reporting treats negative sizes as unknown.
func (c *RedisCache) Len() int {
	return -1
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
