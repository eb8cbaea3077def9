package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"linx/internal/models"
)

const keyPrefix = "linx:"

// memcachedEnvelope wraps the archive with enough metadata to tell fresh
// from stale locally: memcached expiry covers ttl+staleTTL, so logical
// freshness is decided from storedAt, not from the item's presence.
type memcachedEnvelope struct {
	Archive    models.SolArchive `json:"archive"`
	StoredAt   time.Time         `json:"storedAt"`
	TTLSeconds int64             `json:"ttlSeconds"`
}

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client   *memcache.Client
	staleTTL time.Duration
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero. staleTTL extends the
// physical expiry so GetStale can find expired entries.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, staleTTL time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, staleTTL: staleTTL}, nil
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

func (c *MemcachedCache) key(k string) string {
	return keyPrefix + k
}

// Get implements Cache.Get. Returns false, nil on cache miss or on an entry
// past its logical TTL; false, err on backend error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.SolArchive, bool, error) {
	env, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.SolArchive{}, false, err
	}
	if time.Since(env.StoredAt) > time.Duration(env.TTLSeconds)*time.Second {
		// Logically expired. Leave the item in place for GetStale.
		return models.SolArchive{}, false, nil
	}
	return env.Archive, true, nil
}

// GetStale implements Cache.GetStale. Any envelope memcached still holds is
// inside the stale window: physical expiry enforces it.
func (c *MemcachedCache) GetStale(ctx context.Context, key string) (models.SolArchive, bool, error) {
	env, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.SolArchive{}, false, err
	}
	return env.Archive, true, nil
}

func (c *MemcachedCache) fetch(ctx context.Context, key string) (memcachedEnvelope, bool, error) {
	if ctx.Err() != nil {
		return memcachedEnvelope{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return memcachedEnvelope{}, false, nil
		}
		return memcachedEnvelope{}, false, err
	}
	var env memcachedEnvelope
	if err := json.Unmarshal(item.Value, &env); err != nil {
		return memcachedEnvelope{}, false, err
	}
	return env, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.SolArchive, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(memcachedEnvelope{
		Archive:    value,
		StoredAt:   time.Now().UTC(),
		TTLSeconds: int64(ttl.Seconds()),
	})
	if err != nil {
		return err
	}
	expSec := int32((ttl + c.staleTTL).Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600 // fallback 1h if invalid
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expSec,
	})
}

// Delete implements Cache.Delete. A miss on delete is treated as success:
// the entry is gone either way.
func (c *MemcachedCache) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := c.client.Delete(c.key(key)); err != nil && err != memcache.ErrCacheMiss {
		return err
	}
	return nil
}

// Name returns the backend identifier used as the cacheType metric label.
func (c *MemcachedCache) Name() string {
	return "memcached"
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
