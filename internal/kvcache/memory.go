package kvcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const janitorInterval = time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache is an in-process Cache. Expired keys are invisible
// immediately and reclaimed by a janitor goroutine.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	prefix     string
	defaultTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewMemoryCache creates a memory cache and starts its janitor
func NewMemoryCache(cfg *Config, logger *zap.Logger) *MemoryCache {
	c := &MemoryCache{
		entries:    make(map[string]memoryEntry),
		prefix:     cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
		logger:     logger,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				c.logger.Debug("Expired kv cache entries", zap.Int("count", n))
			}
		}
	}
}

func (c *MemoryCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl = resolveTTL(ttl, c.defaultTTL); ttl == 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

// lookup returns a live entry. Callers hold c.mu.
func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// Get implements Cache
func (c *MemoryCache) Get(ctx context.Context, key string, v interface{}) error {
	c.mu.Lock()
	e, ok := c.lookup(c.prefix + key)
	c.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(e.value, v); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return nil
}

// Set implements Cache
func (c *MemoryCache) Set(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.prefix+key] = memoryEntry{value: data, expiresAt: c.expiry(ttl)}
	return nil
}

// SetNX implements Cache
func (c *MemoryCache) SetNX(ctx context.Context, key string, v interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lookup(c.prefix + key); ok {
		return false, nil
	}
	c.entries[c.prefix+key] = memoryEntry{value: data, expiresAt: c.expiry(ttl)}
	return true, nil
}

// Incr implements Cache
func (c *MemoryCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.prefix + key
	e, ok := c.lookup(k)
	if !ok {
		c.entries[k] = memoryEntry{value: []byte("1"), expiresAt: c.expiry(ttl)}
		return 1, nil
	}

	var n int64
	if err := json.Unmarshal(e.value, &n); err != nil {
		return 0, fmt.Errorf("value at %q is not a counter: %w", key, err)
	}
	n++
	e.value = []byte(fmt.Sprintf("%d", n))
	c.entries[k] = e
	return n, nil
}

// Delete implements Cache
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, c.prefix+key)
	return nil
}

// Ping implements Cache
func (c *MemoryCache) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close stops the janitor
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	return nil
}

// Len returns the number of stored keys, expired or not
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
