package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docutag/monetizer/models"
)

// DefaultPrefix namespaces resolution keys in Redis
const DefaultPrefix = "monetizer:resolve:"

// Connect creates a Redis client from a redis:// URL or a host:port address
// and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisCache stores resolved URLs in Redis, shared across instances
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed resolution cache
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get returns the cached resolution of originalURL, or nil on a miss
func (c *RedisCache) Get(ctx context.Context, originalURL string) (*models.ResolvedURL, error) {
	raw, err := c.client.Get(ctx, c.prefix+originalURL).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read resolution: %w", err)
	}

	var out models.ResolvedURL
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resolution: %w", err)
	}
	return &out, nil
}

// Set stores a resolution keyed by its original URL
func (c *RedisCache) Set(ctx context.Context, resolved *models.ResolvedURL, ttl time.Duration) error {
	raw, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("failed to marshal resolution: %w", err)
	}
	return c.client.Set(ctx, c.prefix+resolved.OriginalURL, raw, ttl).Err()
}

// Delete drops a cached resolution
func (c *RedisCache) Delete(ctx context.Context, originalURL string) error {
	return c.client.Del(ctx, c.prefix+originalURL).Err()
}

type memoryEntry struct {
	value     models.ResolvedURL
	expiresAt time.Time
}

// MemoryCache is a process-local resolution cache. When it holds more than
// maxEntries it is emptied.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache creates an in-process cache; maxEntries <= 0 means 10000
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryCache{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a copy of the cached resolution, or nil on a miss or expiry
func (c *MemoryCache) Get(_ context.Context, originalURL string) (*models.ResolvedURL, error) {
	c.mu.RLock()
	e, ok := c.entries[originalURL]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expiresAt) {
		return nil, nil
	}
	out := e.value
	out.RedirectChain = append([]string(nil), e.value.RedirectChain...)
	return &out, nil
}

// Set stores a copy of resolved
func (c *MemoryCache) Set(_ context.Context, resolved *models.ResolvedURL, ttl time.Duration) error {
	value := *resolved
	value.RedirectChain = append([]string(nil), resolved.RedirectChain...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.entries = make(map[string]memoryEntry)
	}
	c.entries[resolved.OriginalURL] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// Delete drops a cached resolution
func (c *MemoryCache) Delete(_ context.Context, originalURL string) error {
	c.mu.Lock()
	delete(c.entries, originalURL)
	c.mu.Unlock()
	return nil
}

// Len returns the number of cached entries, expired ones included
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
