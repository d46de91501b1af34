package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// generationKey holds the current namespace generation. Memcached cannot list
// keys, so Clear bumps the generation and old entries age out by TTL.
const generationKey = Namespace + "generation"

const maxRelativeExpiration = 30 * 24 * 60 * 60 // memcached treats larger values as unix time

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	ss := new(memcache.ServerList)
	if err := ss.SetServers(servers...); err != nil {
		return nil, fmt.Errorf("memcached servers %q: %w", addrs, err)
	}
	client := memcache.NewFromSelector(ss)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// generation returns the current namespace generation, creating it when absent.
// A fresh generation is seeded from the clock so an evicted counter never
// resurrects entries from an earlier generation.
func (c *MemcachedCache) generation() (string, error) {
	item, err := c.client.Get(generationKey)
	if err == nil {
		return string(item.Value), nil
	}
	if !errors.Is(err, memcache.ErrCacheMiss) {
		return "", err
	}
	seed := strconv.FormatInt(time.Now().UnixNano(), 10)
	err = c.client.Add(&memcache.Item{Key: generationKey, Value: []byte(seed)})
	if errors.Is(err, memcache.ErrNotStored) {
		// lost the race to another writer
		item, err = c.client.Get(generationKey)
		if err != nil {
			return "", err
		}
		return string(item.Value), nil
	}
	if err != nil {
		return "", err
	}
	return seed, nil
}

func (c *MemcachedCache) physicalKey(key string) (string, error) {
	gen, err := c.generation()
	if err != nil {
		return "", fmt.Errorf("read generation: %w", err)
	}
	return Namespace + gen + ":" + strings.TrimPrefix(key, Namespace), nil
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	pk, err := c.physicalKey(key)
	if err != nil {
		return nil, false, err
	}
	item, err := c.client.Get(pk)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set implements Cache.Set. ttl is rounded up to whole seconds.
func (c *MemcachedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	pk, err := c.physicalKey(key)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        pk,
		Value:      value,
		Expiration: expirationSeconds(ttl),
	})
}

func expirationSeconds(ttl time.Duration) int32 {
	sec := int64((ttl + time.Second - 1) / time.Second)
	if sec < 1 {
		return 1
	}
	if sec > maxRelativeExpiration {
		return maxRelativeExpiration
	}
	return int32(sec)
}

// Delete implements Cache.Delete. Missing keys are not an error.
func (c *MemcachedCache) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	pk, err := c.physicalKey(key)
	if err != nil {
		return err
	}
	if err := c.client.Delete(pk); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

// Clear invalidates every key by advancing the namespace generation.
func (c *MemcachedCache) Clear(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	_, err := c.client.Increment(generationKey, 1)
	if errors.Is(err, memcache.ErrCacheMiss) {
		seed := strconv.FormatInt(time.Now().UnixNano(), 10)
		return c.client.Set(&memcache.Item{Key: generationKey, Value: []byte(seed)})
	}
	return err
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
