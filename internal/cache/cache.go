// Package cache provides the short-TTL KV store used for sessions, RBAC
// decisions, rate counters, and ephemeral CRDT state. The redis
// implementation is production; the memory implementation backs tests.
package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is an expiring key/value store with atomic counters.
type Cache interface {
	// Get returns (value, found). A missing key is not an error.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets only if absent; reports whether the set happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments key, setting ttl when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Loader wraps a Cache with single-flight coalescing so a cold key is
// computed once no matter how many requests race on it.
type Loader struct {
	cache Cache
	group singleflight.Group
}

// NewLoader returns a Loader over c.
func NewLoader(c Cache) *Loader {
	return &Loader{cache: c}
}

// GetOrLoad returns the cached value for key, computing and caching it with
// load on a miss. Concurrent misses on the same key share one load call.
func (l *Loader) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (string, error)) (string, error) {
	if v, ok, err := l.cache.Get(ctx, key); err == nil && ok {
		return v, nil
	}
	v, err, _ := l.group.Do(key, func() (any, error) {
		// Re-check inside the flight: the winner may have populated it.
		if v, ok, err := l.cache.Get(ctx, key); err == nil && ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return "", err
		}
		if err := l.cache.Set(ctx, key, v, ttl); err != nil {
			return v, nil // serve the computed value even if caching failed
		}
		return v, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops key from the cache.
func (l *Loader) Invalidate(ctx context.Context, key string) error {
	return l.cache.Delete(ctx, key)
}
