package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"monollm/internal/core"
)

// DefaultRedisKey is the default prefix for cached responses in Redis.
const DefaultRedisKey = "monollm:responses"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// Key prefixes every cached response key (defaults to "monollm:responses")
	Key string

	// TTL is the time-to-live for cached responses (defaults to DefaultTTL)
	TTL time.Duration
}

// RedisCache implements Cache using Redis for distributed storage.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a new Redis-based cache and verifies the connection.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Key
	if prefix == "" {
		prefix = DefaultRedisKey
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	slog.Info("redis cache connected", "prefix", prefix, "ttl", ttl)

	return &RedisCache{client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *RedisCache) redisKey(key string) string {
	return c.prefix + ":" + key
}

// Get retrieves a cached response from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (*core.LLMResponse, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get response from redis: %w", err)
	}

	var resp core.LLMResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse cached response: %w", err)
	}
	return &resp, nil
}

// Set stores a response in Redis with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, key string, resp *core.LLMResponse) error {
	if resp == nil {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if err := c.client.Set(ctx, c.redisKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set response in redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
