// Package linkcache is the versioned read-side cache for rendered link
// pages. Every cache key embeds a version vector derived from per
// (index, package) serial counters; invalidation increments a counter, so
// new keys are fresh by construction and stale entries simply age out. No
// key is ever deleted or scanned.
package linkcache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is the redis-backed page cache with an optional in-process L1.
// Versioned keys make the L1 safe: a stale entry can never be addressed.
type Cache struct {
	client *redis.Client
	l1     *lru.Cache[string, []byte]
}

// Options configure the cache client.
type Options struct {
	URL      string
	Password string
	DB       int
	// L1Size is the number of rendered pages held in process; 0 disables
	// the L1.
	L1Size int
}

// New connects to redis and verifies the connection.
func New(opts Options) (*Cache, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}
	if opts.DB > 0 {
		redisOpts.DB = opts.DB
	}
	redisOpts.DialTimeout = 5 * time.Second
	redisOpts.ReadTimeout = 3 * time.Second
	redisOpts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, opts.L1Size)
}

// NewWithClient wraps an existing client (tests use miniredis here).
func NewWithClient(client *redis.Client, l1Size int) (*Cache, error) {
	cache := &Cache{client: client}
	if l1Size > 0 {
		l1, err := lru.New[string, []byte](l1Size)
		if err != nil {
			return nil, fmt.Errorf("failed to create L1 cache: %w", err)
		}
		cache.l1 = l1
	}
	return cache, nil
}

// SerialKey is the per (index, package) version counter key.
func SerialKey(indexSlug, packageSlug string) string {
	return fmt.Sprintf("serial/index:%s/package:%s", indexSlug, packageSlug)
}

// Key derives the versioned cache key for a page. The version vector is read
// with a single MGET so it is atomic across indexes; missing counters read
// as 0.
func (c *Cache) Key(ctx context.Context, namespace string, indexSlugs []string, platformSlug, packageSlug string) (string, error) {
	versionKeys := make([]string, len(indexSlugs))
	for i, slug := range indexSlugs {
		versionKeys[i] = SerialKey(slug, packageSlug)
	}
	sort.Strings(versionKeys)

	values, err := c.client.MGet(ctx, versionKeys...).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read version vector: %w", err)
	}
	vector := make([]string, len(values))
	for i, value := range values {
		if s, ok := value.(string); ok {
			vector[i] = s
		} else {
			vector[i] = "0"
		}
	}

	return fmt.Sprintf("%s/indexes:%s/platform:%s/package:%s/v:%s",
		namespace,
		strings.Join(indexSlugs, "+"),
		platformSlug,
		packageSlug,
		strings.Join(vector, ","),
	), nil
}

// Get returns the cached page body for a versioned key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.l1 != nil {
		if body, ok := c.l1.Get(key); ok {
			return body, true
		}
	}
	body, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	if c.l1 != nil {
		c.l1.Add(key, body)
	}
	return body, true
}

// Set stores rendered page bytes under a versioned key. Entries carry a long
// TTL purely to bound storage; correctness comes from the version vector.
func (c *Cache) Set(ctx context.Context, key string, body []byte) error {
	if c.l1 != nil {
		c.l1.Add(key, body)
	}
	if err := c.client.Set(ctx, key, body, 30*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to store page: %w", err)
	}
	return nil
}

// InvalidatePackage bumps the package's serial counter. INCR initializes
// missing counters at 1, so the first invalidation needs no special casing.
// Implements catalog.Invalidator.
func (c *Cache) InvalidatePackage(ctx context.Context, indexSlug, packageSlug string) {
	c.client.Incr(ctx, SerialKey(indexSlug, packageSlug))
}

// Client exposes the underlying connection for health checks and locks.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
