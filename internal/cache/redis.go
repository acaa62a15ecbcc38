package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/config"
)

const snapshotKeyPrefix = "po:idempotency:"

// RedisCache holds idempotency result snapshots so replays can be answered
// without a database round trip. A disabled cache misses on every lookup.
type RedisCache struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{client: client, enabled: true, ttl: cfg.TTL}, nil
}

// Enabled reports whether lookups reach Redis.
func (c *RedisCache) Enabled() bool { return c != nil && c.enabled }

// GetSnapshot returns the cached snapshot for hash.
func (c *RedisCache) GetSnapshot(ctx context.Context, hash string) ([]byte, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}

	data, err := c.client.Get(ctx, snapshotKeyPrefix+hash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to get snapshot from Redis")
	}
	return data, true, nil
}

// SetSnapshot stores the snapshot for hash.
func (c *RedisCache) SetSnapshot(ctx context.Context, hash string, snapshot []byte) error {
	if !c.Enabled() {
		return nil
	}

	if err := c.client.Set(ctx, snapshotKeyPrefix+hash, snapshot, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to set snapshot in Redis")
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.Enabled() || c.client == nil {
		return nil
	}
	return c.client.Close()
}
