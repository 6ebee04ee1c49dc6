package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
)

// Resolution is the cached outcome of looking up a NIP-05 identifier
type Resolution struct {
	PubKey    string    `json:"pubkey"` // Empty when the identifier does not resolve
	CheckedAt time.Time `json:"checked_at"`
}

// Cache stores resolutions keyed by normalized identifier
type Cache interface {
	Get(ctx context.Context, identifier string) (Resolution, bool, error)
	Set(ctx context.Context, identifier string, res Resolution, ttl time.Duration) error
}

type memoryEntry struct {
	res     Resolution
	expires time.Time
}

// MemoryCache keeps resolutions in process memory
type MemoryCache struct {
	entries *xsync.MapOf[string, memoryEntry]
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: xsync.NewMapOf[string, memoryEntry](),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, identifier string) (Resolution, bool, error) {
	entry, ok := c.entries.Load(identifier)
	if !ok {
		return Resolution{}, false, nil
	}
	if c.now().After(entry.expires) {
		c.entries.Delete(identifier)
		return Resolution{}, false, nil
	}
	return entry.res, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, identifier string, res Resolution, ttl time.Duration) error {
	c.entries.Store(identifier, memoryEntry{res: res, expires: c.now().Add(ttl)})
	return nil
}

// RedisCache shares resolutions between processes through Redis
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis cache from URL
// URL format: redis://[:password@]host:port/db
func NewRedisCache(redisURL, prefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	return NewRedisCacheWithClient(redis.NewClient(opts), prefix), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Ping checks the connection
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) key(identifier string) string {
	return r.prefix + identifier
}

func (r *RedisCache) Get(ctx context.Context, identifier string) (Resolution, bool, error) {
	data, err := r.client.Get(ctx, r.key(identifier)).Bytes()
	if err == redis.Nil {
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, err
	}

	var res Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		return Resolution{}, false, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return res, true, nil
}

func (r *RedisCache) Set(ctx context.Context, identifier string, res Resolution, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(identifier), data, ttl).Err()
}

// Close releases the Redis connection pool
func (r *RedisCache) Close() error {
	return r.client.Close()
}
