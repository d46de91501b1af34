package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Cache defines the interface for weather cache backends. Values are opaque
// serialized snapshots. Get returns (nil, false, nil) on a miss and never
// returns an entry whose TTL has elapsed. Clear removes only Namespace keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
}

// sweepInterval is the minimum time between full scans for expired entries.
const sweepInterval = time.Minute

// InMemoryCache implements Cache using a map with TTL-based expiration.
// Expired entries are removed on access, and Set sweeps the whole map at most
// once per sweepInterval so keys that are never read again do not accumulate.
// Safe for concurrent use.
type InMemoryCache struct {
	mu        sync.RWMutex
	data      map[string]cacheEntry
	now       func() time.Time
	nextSweep time.Time
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache using the wall clock.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(time.Now)
}

// NewInMemoryCacheWithClock creates an in-memory cache that reads time from now.
// Tests pass a fake clock to step past TTLs deterministically.
func NewInMemoryCacheWithClock(now func() time.Time) *InMemoryCache {
	if now == nil {
		now = time.Now
	}
	return &InMemoryCache{
		data:      make(map[string]cacheEntry),
		now:       now,
		nextSweep: now().Add(sweepInterval),
	}
}

// Get returns (value, true, nil) on hit and (nil, false, nil) on miss or expiry.
// Expired entries are deleted.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.data[key]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}

	return entry.value, true, nil
}

// Set stores value under key until ttl elapses. The value is copied so later
// mutation by the caller cannot change the cached snapshot.
func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	now := c.now()
	c.mu.Lock()
	if !now.Before(c.nextSweep) {
		c.sweepLocked(now)
	}
	c.data[key] = cacheEntry{
		value:     v,
		expiresAt: now.Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

// sweepLocked deletes every expired entry. Must be called with mu held.
func (c *InMemoryCache) sweepLocked(now time.Time) {
	for k, e := range c.data {
		if !now.Before(e.expiresAt) {
			delete(c.data, k)
		}
	}
	c.nextSweep = now.Add(sweepInterval)
}

// Delete removes key. Missing keys are not an error.
func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

// Clear removes every key under Namespace.
func (c *InMemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if strings.HasPrefix(k, Namespace) {
			delete(c.data, k)
		}
	}
	return nil
}

// Ping always succeeds.
func (c *InMemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
