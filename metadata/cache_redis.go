package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "metadata:"

// RedisCache stores resolved metadata in Redis. Only successful resolutions are stored.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a cache whose entries expire after ttl.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns the cached metadata for key, if any.
func (c *RedisCache) Get(ctx context.Context, key string) (Metadata, bool, error) {
	data, err := c.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, err
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, false, err
	}
	return md, true, nil
}

// Set stores md under key.
func (c *RedisCache) Set(ctx context.Context, key string, md Metadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKeyPrefix+key, data, c.ttl).Err()
}
