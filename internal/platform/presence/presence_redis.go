package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// DefaultKeyPrefix is used when the configured prefix is empty.
const DefaultKeyPrefix = "presence:"

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisCache stores one JSON-encoded notify.ConnectionInfo per user under
// `<prefix><userID>`.
type RedisCache struct {
	client    redisClient
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRedisCache is the constructor for the RedisCache. A zero ttl keeps keys
// until the user disconnects.
func NewRedisCache(client redisClient, keyPrefix string, ttl time.Duration, logger *slog.Logger) (*RedisCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger.With("component", "redis_presence_cache"),
	}, nil
}

// Set records the user's current connection.
func (c *RedisCache) Set(ctx context.Context, userID string, info notify.ConnectionInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal presence info: %w", err)
	}

	key := c.key(userID)
	c.logger.Debug("Setting presence", "key", key, "connection_id", info.ConnectionID)
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence for %s: %w", userID, err)
	}
	return nil
}

// Delete removes the user's presence record.
func (c *RedisCache) Delete(ctx context.Context, userID string) error {
	key := c.key(userID)
	c.logger.Debug("Deleting presence", "key", key)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete presence for %s: %w", userID, err)
	}
	return nil
}

// Close releases the redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(userID string) string { return c.keyPrefix + userID }
