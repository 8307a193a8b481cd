// Package cache is the namespaced read/write cache over Redis.
//
// It is not read-through: callers explicitly Get/Set/Delete under a
// namespace. Every Get hit and Set refreshes a per-namespace sorted-set
// index (member = key, score = unix nano of last access) that acts as
// an approximate-LRU order. Writes opportunistically compare the
// namespace key count against maxSize×cleanupThreshold and evict the
// oldest ~20% when exceeded.
//
// Redis TTL still expires individual values; the index exists because
// Redis exposes no per-namespace eviction the size bound could lean on.
//
// The Cache (and its counters) is instantiated once per process and
// injected into callers; Close tears down the connection pool.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/depotd/depot/internal/common"
	"github.com/depotd/depot/internal/logging"
)

// Config holds cache connection and sizing settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration

	// MaxSize is the soft per-namespace key bound.
	MaxSize int

	// CleanupThreshold scales MaxSize into the eviction trigger, e.g.
	// 0.8 starts evicting at 80% of MaxSize.
	CleanupThreshold float64
}

// Stats are the process-wide cache counters. Snapshot via Cache.Stats.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
	Errors    int64
}

// HitRate returns hits/(hits+misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a namespaced TTL cache with approximate-LRU eviction.
type Cache struct {
	rdb              *redis.Client
	log              logging.Logger
	defaultTTL       time.Duration
	maxSize          int
	cleanupThreshold float64

	mu    sync.Mutex
	stats Stats
}

// New builds a Cache. The connection is established lazily; total
// cache unavailability surfaces per call as ErrUnavailable and is
// treated as recoverable by callers.
func New(cfg Config, log logging.Logger) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{
		rdb:              rdb,
		log:              log.With("component", "cache"),
		defaultTTL:       cfg.DefaultTTL,
		maxSize:          cfg.MaxSize,
		cleanupThreshold: cfg.CleanupThreshold,
	}
}

// newWithClient exists for tests running against miniredis.
func newWithClient(rdb *redis.Client, cfg Config, log logging.Logger) *Cache {
	return &Cache{
		rdb:              rdb,
		log:              log.With("component", "cache"),
		defaultTTL:       cfg.DefaultTTL,
		maxSize:          cfg.MaxSize,
		cleanupThreshold: cfg.CleanupThreshold,
	}
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func valueKey(namespace, key string) string {
	return "depot:v:" + namespace + ":" + key
}

func indexKey(namespace string) string {
	return "depot:lru:" + namespace
}

// Get returns the cached value, or ErrNotFound on a miss. Hits refresh
// the key's position in the LRU index.
func (c *Cache) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, valueKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.count(func(s *Stats) { s.Misses++ })
		return nil, fmt.Errorf("%w: cache key %s/%s", common.ErrNotFound, namespace, key)
	}
	if err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return nil, fmt.Errorf("%w: cache get: %v", common.ErrUnavailable, err)
	}

	c.count(func(s *Stats) { s.Hits++ })
	c.touch(ctx, namespace, key)
	return val, nil
}

// Set stores the caller-serialized value under namespace/key. A
// ttl <= 0 applies the configured default. Writes also trigger the
// opportunistic size check.
func (c *Cache) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.rdb.Set(ctx, valueKey(namespace, key), value, ttl).Err(); err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("%w: cache set: %v", common.ErrUnavailable, err)
	}

	c.count(func(s *Stats) { s.Sets++ })
	c.touch(ctx, namespace, key)
	c.maybeEvict(ctx, namespace)
	return nil
}

// Delete removes a single entry and its index membership. Deleting an
// absent key is not an error.
func (c *Cache) Delete(ctx context.Context, namespace, key string) error {
	if err := c.rdb.Del(ctx, valueKey(namespace, key)).Err(); err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("%w: cache delete: %v", common.ErrUnavailable, err)
	}
	_ = c.rdb.ZRem(ctx, indexKey(namespace), key).Err()
	c.count(func(s *Stats) { s.Deletes++ })
	return nil
}

// Exists reports whether the key currently holds a value.
func (c *Cache) Exists(ctx context.Context, namespace, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, valueKey(namespace, key)).Result()
	if err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return false, fmt.Errorf("%w: cache exists: %v", common.ErrUnavailable, err)
	}
	return n > 0, nil
}

// Expire overrides the remaining TTL of an existing entry.
func (c *Cache) Expire(ctx context.Context, namespace, key string, ttl time.Duration) error {
	ok, err := c.rdb.Expire(ctx, valueKey(namespace, key), ttl).Result()
	if err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("%w: cache expire: %v", common.ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: cache key %s/%s", common.ErrNotFound, namespace, key)
	}
	return nil
}

// Invalidate removes one key (keyPrefix exact match plus any key it
// prefixes) or, with an empty keyPrefix, every key in the namespace.
// The value keyspace is enumerated with SCAN, not the LRU index: an
// entry whose index write was lost must still be swept. Entries are
// never updated in place; invalidation is the only coherence mechanism.
func (c *Cache) Invalidate(ctx context.Context, namespace, keyPrefix string) error {
	nsPrefix := valueKey(namespace, "")
	want := valueKey(namespace, keyPrefix)

	seen := make(map[string]struct{})
	var cursor uint64
	for {
		// Keys may contain glob metacharacters, so MATCH only narrows to
		// the namespace; the prefix filter runs on the returned keys.
		batch, next, err := c.rdb.Scan(ctx, cursor, nsPrefix+"*", 100).Result()
		if err != nil {
			c.count(func(s *Stats) { s.Errors++ })
			return fmt.Errorf("%w: cache invalidate: %v", common.ErrUnavailable, err)
		}
		for _, vk := range batch {
			if strings.HasPrefix(vk, want) {
				seen[strings.TrimPrefix(vk, nsPrefix)] = struct{}{}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	// The index can also hold members whose values already expired;
	// sweep those too so the ZSET does not accumulate dead entries.
	members, err := c.rdb.ZRange(ctx, indexKey(namespace), 0, -1).Result()
	if err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("%w: cache invalidate: %v", common.ErrUnavailable, err)
	}
	for _, m := range members {
		if keyPrefix == "" || strings.HasPrefix(m, keyPrefix) {
			seen[m] = struct{}{}
		}
	}

	for key := range seen {
		if err := c.Delete(ctx, namespace, key); err != nil {
			c.log.Warn(ctx, "cache invalidate: delete failed", "namespace", namespace, "key", key, "error", err)
		}
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// touch refreshes the LRU index timestamp for key. Index maintenance
// is best effort: a failure here never fails the caller's operation.
func (c *Cache) touch(ctx context.Context, namespace, key string) {
	err := c.rdb.ZAdd(ctx, indexKey(namespace), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: key,
	}).Err()
	if err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		c.log.Warn(ctx, "cache lru index update failed", "namespace", namespace, "error", err)
	}
}

// maybeEvict runs the opportunistic size check: when the namespace
// index exceeds maxSize×cleanupThreshold, the oldest ~20% of maxSize
// entries are dropped.
func (c *Cache) maybeEvict(ctx context.Context, namespace string) {
	if c.maxSize <= 0 {
		return
	}

	card, err := c.rdb.ZCard(ctx, indexKey(namespace)).Result()
	if err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return
	}
	if float64(card) <= float64(c.maxSize)*c.cleanupThreshold {
		return
	}

	n := c.maxSize / 5
	if n < 1 {
		n = 1
	}
	oldest, err := c.rdb.ZRange(ctx, indexKey(namespace), 0, int64(n-1)).Result()
	if err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return
	}

	for _, key := range oldest {
		if err := c.rdb.Del(ctx, valueKey(namespace, key)).Err(); err != nil {
			c.count(func(s *Stats) { s.Errors++ })
			continue
		}
		_ = c.rdb.ZRem(ctx, indexKey(namespace), key).Err()
		c.count(func(s *Stats) { s.Evictions++ })
	}
	c.log.Debug(ctx, "cache eviction sweep", "namespace", namespace, "evicted", len(oldest))
}
