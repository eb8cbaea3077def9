//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"linx/internal/cache"
	"linx/internal/feed"
	"linx/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	FeedURL       string
	CacheBackend  string // "memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// The MSL feed is keyless, so gating is an explicit opt-in: tests skip unless
// LINX_INTEGRATION=1 (they hit nasa.gov).
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	if v := os.Getenv("LINX_INTEGRATION"); v != "1" && v != "true" {
		t.Skip("LINX_INTEGRATION not set, skipping integration test")
	}

	feedURL := os.Getenv("LINX_FEED_URL")
	if feedURL == "" {
		feedURL = feed.DefaultFeedURL
	}

	cacheBackend := os.Getenv("LINX_INTEGRATION_CACHE_BACKEND")
	memcachedAddr := os.Getenv("LINX_MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		FeedURL:       feedURL,
		CacheBackend:  cacheBackend,
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationService creates a fully configured service for integration
// tests. Returns weather service, cache instance, and cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.WeatherService, cache.Cache, func()) {
	feedClient, err := feed.NewRemsClient(cfg.FeedURL, 15*time.Second)
	if err != nil {
		t.Fatalf("NewRemsClient() error = %v", err)
	}

	var cacheSvc cache.Cache
	var cleanup func()

	if cfg.CacheBackend == "memcached" {
		memcachedCache, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2, 24*time.Hour)
		if err == nil {
			cacheSvc = memcachedCache
			cleanup = func() { memcachedCache.Close() }
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
			cacheSvc = cache.NewInMemoryCache(24 * time.Hour)
			cleanup = func() {}
		}
	} else {
		cacheSvc = cache.NewInMemoryCache(24 * time.Hour)
		cleanup = func() {}
	}

	weatherService := service.NewWeatherService(feedClient, cacheSvc, 5*time.Minute, 24*time.Hour, true, 10*time.Second)

	return weatherService, cacheSvc, cleanup
}

// SetupIntegrationClient creates a feed client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) feed.Client {
	feedClient, err := feed.NewRemsClient(cfg.FeedURL, 15*time.Second)
	if err != nil {
		t.Fatalf("NewRemsClient() error = %v", err)
	}
	return feedClient
}
