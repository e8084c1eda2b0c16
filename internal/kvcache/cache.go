// Package kvcache is the client for the ephemeral key-value store used
// for cooldowns, rate limits and other short-lived state that does not
// belong in tenant documents.
package kvcache

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a key is absent or expired
var ErrNotFound = stderrors.New("key not found")

// Backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Cache stores JSON-encoded values with optional expiry. A ttl of zero
// uses the configured default; a negative ttl means no expiry.
type Cache interface {
	// Get decodes the value stored at key into v
	Get(ctx context.Context, key string, v interface{}) error
	Set(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	// SetNX stores v only if key is absent and reports whether it did
	SetNX(ctx context.Context, key string, v interface{}, ttl time.Duration) (bool, error)
	// Incr adds one to the counter at key. The ttl applies only when the
	// counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Config holds cache client configuration
type Config struct {
	Backend    string
	KeyPrefix  string
	DefaultTTL time.Duration
	Redis      RedisConfig
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// New creates the client for cfg.Backend. The caller owns the returned
// client and must Close it.
func New(cfg *Config, logger *zap.Logger) (Cache, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryCache(cfg, logger), nil
	case BackendRedis:
		return NewRedisCache(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown kv cache backend %q", cfg.Backend)
	}
}

func resolveTTL(ttl, fallback time.Duration) time.Duration {
	switch {
	case ttl < 0:
		return 0
	case ttl == 0:
		return fallback
	default:
		return ttl
	}
}
