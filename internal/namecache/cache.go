// Package namecache resolves user ids to display names through a bounded in-process LRU,
// an optional shared Redis tier and finally the profile lookup.
package namecache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang/groupcache/lru"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"ofiz/api/internal/metrics"
)

// Fallback is shown for users without a profile name.
const Fallback = "Usuario"

const (
	defaultSize = 5000
	keyPrefix   = "namecache:"
)

// LookupFunc returns display names for the ids it knows; unknown ids are simply absent.
type LookupFunc func(ctx context.Context, ids []string) (map[string]string, error)

type Options struct {
	Size  int
	Redis *redis.Client
	TTL   time.Duration
}

type Cache struct {
	mu     sync.Mutex
	local  *lru.Cache
	redis  *redis.Client
	ttl    time.Duration
	lookup LookupFunc
	group  singleflight.Group
}

func New(lookup LookupFunc, opts Options) *Cache {
	size := opts.Size
	if size <= 0 {
		size = defaultSize
	}
	return &Cache{
		local:  lru.New(size),
		redis:  opts.Redis,
		ttl:    opts.TTL,
		lookup: lookup,
	}
}

// Resolve never fails: lookup errors are logged and the fallback label returned.
func (c *Cache) Resolve(ctx context.Context, userID string) string {
	if userID == "" {
		return Fallback
	}
	if name, ok := c.getLocal(userID); ok {
		metrics.NameCacheLookups.WithLabelValues("local").Inc()
		return name
	}

	value, err, _ := c.group.Do(userID, func() (any, error) {
		if name, ok := c.getLocal(userID); ok {
			return name, nil
		}
		if name, ok := c.getShared(ctx, userID); ok {
			metrics.NameCacheLookups.WithLabelValues("redis").Inc()
			c.putLocal(userID, name)
			return name, nil
		}

		metrics.NameCacheLookups.WithLabelValues("lookup").Inc()
		names, err := c.lookup(ctx, []string{userID})
		if err != nil {
			return "", err
		}
		name := strings.TrimSpace(names[userID])
		if name == "" {
			return Fallback, nil
		}
		c.putLocal(userID, name)
		c.putShared(ctx, map[string]string{userID: name})
		return name, nil
	})
	if err != nil {
		log.Warn("resolve display name", "user", userID, "err", err)
		return Fallback
	}
	return value.(string)
}

// ResolveMany resolves a batch with at most one Redis round trip and one lookup.
func (c *Cache) ResolveMany(ctx context.Context, ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	missing := make([]string, 0)
	for _, id := range ids {
		if _, seen := out[id]; seen || id == "" {
			continue
		}
		if name, ok := c.getLocal(id); ok {
			metrics.NameCacheLookups.WithLabelValues("local").Inc()
			out[id] = name
			continue
		}
		out[id] = Fallback
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out
	}

	missing = c.fillFromShared(ctx, missing, out)
	if len(missing) == 0 {
		return out
	}

	metrics.NameCacheLookups.WithLabelValues("lookup").Add(float64(len(missing)))
	names, err := c.lookup(ctx, missing)
	if err != nil {
		log.Warn("resolve display names", "count", len(missing), "err", err)
		return out
	}
	found := make(map[string]string, len(names))
	for _, id := range missing {
		name := strings.TrimSpace(names[id])
		if name == "" {
			continue
		}
		out[id] = name
		found[id] = name
		c.putLocal(id, name)
	}
	c.putShared(ctx, found)
	return out
}

// Invalidate drops userID from both tiers, e.g. after a profile rename.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	c.mu.Lock()
	c.local.Remove(userID)
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, keyPrefix+userID).Err(); err != nil {
		log.Warn("invalidate shared display name", "user", userID, "err", err)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.Len()
}

func (c *Cache) getLocal(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.local.Get(userID)
	if !ok {
		return "", false
	}
	return value.(string), true
}

func (c *Cache) putLocal(userID, name string) {
	c.mu.Lock()
	c.local.Add(userID, name)
	c.mu.Unlock()
}

func (c *Cache) getShared(ctx context.Context, userID string) (string, bool) {
	if c.redis == nil {
		return "", false
	}
	name, err := c.redis.Get(ctx, keyPrefix+userID).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn("read shared display name", "user", userID, "err", err)
		}
		return "", false
	}
	return name, true
}

func (c *Cache) fillFromShared(ctx context.Context, ids []string, out map[string]string) []string {
	if c.redis == nil {
		return ids
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	values, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		log.Warn("read shared display names", "count", len(ids), "err", err)
		return ids
	}

	remaining := make([]string, 0, len(ids))
	for i, id := range ids {
		name, ok := values[i].(string)
		if !ok || name == "" {
			remaining = append(remaining, id)
			continue
		}
		metrics.NameCacheLookups.WithLabelValues("redis").Inc()
		out[id] = name
		c.putLocal(id, name)
	}
	return remaining
}

func (c *Cache) putShared(ctx context.Context, names map[string]string) {
	if c.redis == nil || len(names) == 0 {
		return
	}
	pipe := c.redis.Pipeline()
	for id, name := range names {
		pipe.Set(ctx, keyPrefix+id, name, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn("write shared display names", "count", len(names), "err", err)
	}
}
