package cache

import (
	"context"
	"sync"
	"time"

	"linx/internal/models"
)

// Cache defines the interface for archive caching implementations.
// Get returns a fresh archive if present and not expired. GetStale also
// returns expired archives still inside the stale window, for fallback
// when the feed is unreachable. Set stores an archive with TTL. Delete
// removes an entry outright, stale window included. Name identifies the
// backend in metrics.
type Cache interface {
	Get(ctx context.Context, key string) (models.SolArchive, bool, error)
	GetStale(ctx context.Context, key string) (models.SolArchive, bool, error)
	Set(ctx context.Context, key string, value models.SolArchive, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Name() string
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based
// expiration. Expired entries stay readable through GetStale until the
// stale window elapses, then are removed on access.
type InMemoryCache struct {
	mu       sync.Mutex
	data     map[string]cacheEntry
	staleTTL time.Duration
}

// cacheEntry stores a cached archive with its expiration timestamp.
type cacheEntry struct {
	value     models.SolArchive
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache. staleTTL is how long an
// expired entry remains served through GetStale; 0 disables the window.
func NewInMemoryCache(staleTTL time.Duration) *InMemoryCache {
	return &InMemoryCache{
		data:     make(map[string]cacheEntry),
		staleTTL: staleTTL,
	}
}

// Get retrieves the cached archive for the key if present and not expired.
// Returns (data, true, nil) on cache hit, (zero, false, nil) on miss or
// expiration. Entries past the stale window are removed on access.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.SolArchive, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.SolArchive{}, false, nil
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		if now.After(entry.expiresAt.Add(c.staleTTL)) {
			delete(c.data, key)
		}
		return models.SolArchive{}, false, nil
	}

	return entry.value, true, nil
}

// GetStale retrieves the cached archive even past its TTL, as long as the
// stale window has not elapsed. Fully stale entries are removed on access.
func (c *InMemoryCache) GetStale(ctx context.Context, key string) (models.SolArchive, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.SolArchive{}, false, nil
	}

	if time.Now().After(entry.expiresAt.Add(c.staleTTL)) {
		delete(c.data, key)
		return models.SolArchive{}, false, nil
	}

	return entry.value, true, nil
}

// Set stores an archive in cache with the specified TTL duration.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.SolArchive, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes the entry for the key. Deleting an absent key is not an
// error.
func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// Name returns the backend identifier used as the cacheType metric label.
func (c *InMemoryCache) Name() string {
	return "memory"
}
