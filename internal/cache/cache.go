// Package cache provides an optional response cache for non-streaming
// generations. Supports an in-process memory backend and Redis for
// multi-instance deployments.
package cache

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"monollm/config"
	"monollm/internal/core"
)

// Type constants for cache backends
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// DefaultTTL applies when the configuration leaves the TTL unset.
const DefaultTTL = 5 * time.Minute

// Cache stores generated responses by request key.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the cached response, or nil, nil on a miss.
	Get(ctx context.Context, key string) (*core.LLMResponse, error)

	// Set stores a response under key.
	Set(ctx context.Context, key string, resp *core.LLMResponse) error

	// Close releases any resources held by the cache.
	Close() error
}

// New builds the configured cache. An empty type disables caching and
// returns nil, nil.
func New(cfg config.CacheConfig) (Cache, error) {
	ttl := time.Duration(cfg.TTL) * time.Second
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	switch cfg.Type {
	case "":
		return nil, nil
	case TypeMemory:
		return NewMemoryCache(ttl), nil
	case TypeRedis:
		return NewRedisCache(RedisConfig{URL: cfg.Redis.URL, Key: cfg.Redis.Key, TTL: ttl})
	default:
		return nil, fmt.Errorf("unknown cache type: %s (valid: memory, redis)", cfg.Type)
	}
}

// Key derives the cache key for a resolved request. Only fields that change
// the generated output take part; request ids and metadata do not.
func Key(provider string, messages []core.Message, opts *core.RequestOptions) string {
	d := xxhash.New()
	field := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}

	field(provider)
	field(opts.Model)
	if opts.Temperature != nil {
		field(strconv.FormatUint(math.Float64bits(*opts.Temperature), 16))
	} else {
		field("-")
	}
	if opts.MaxTokens != nil {
		field(strconv.Itoa(*opts.MaxTokens))
	} else {
		field("-")
	}
	field(strconv.FormatBool(opts.ShowThinking))
	for _, m := range messages {
		field(string(m.Role))
		field(m.Content)
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// clone returns a copy safe to hand out while the original stays cached.
func clone(resp *core.LLMResponse) *core.LLMResponse {
	if resp == nil {
		return nil
	}
	out := *resp
	if resp.Usage != nil {
		u := *resp.Usage
		out.Usage = &u
	}
	if resp.Thinking != nil {
		t := *resp.Thinking
		out.Thinking = &t
	}
	if resp.Metadata != nil {
		out.Metadata = make(map[string]any, len(resp.Metadata))
		for k, v := range resp.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
