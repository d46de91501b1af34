//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey       string
	APIURL       string
	CacheBackend string // "in_memory", "memcached" or "redis"
	CacheURL     string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = client.DefaultAPIURL
	}

	return IntegrationTestConfig{
		APIKey:       apiKey,
		APIURL:       apiURL,
		CacheBackend: os.Getenv("INTEGRATION_CACHE_BACKEND"),
		CacheURL:     os.Getenv("CACHE_URL"),
	}
}

// SetupIntegrationService creates a fully configured service for integration tests.
// An unreachable memcached or Redis falls back to the in-memory cache.
// Returns weather service, cache instance, and cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.WeatherService, cache.Cache, func()) {
	weatherClient := SetupIntegrationClient(t, cfg)

	var store cache.Cache = cache.NewInMemoryCache()
	cleanup := func() {}

	switch cfg.CacheBackend {
	case "memcached":
		addrs := cfg.CacheURL
		if addrs == "" {
			addrs = "localhost:11211"
		}
		mc, err := cache.NewMemcachedCache(addrs, 500*time.Millisecond, 2)
		if err == nil && mc.Ping(context.Background()) == nil {
			store = mc
			cleanup = func() { _ = mc.Close() }
			t.Logf("Using memcached cache at %s", addrs)
		} else {
			t.Logf("memcached not available, using in-memory cache")
		}
	case "redis":
		rc, err := cache.NewRedisCache(cfg.CacheURL)
		if err == nil && rc.Ping(context.Background()) == nil {
			store = rc
			cleanup = func() { _ = rc.Close() }
			t.Logf("Using Redis cache")
		} else {
			t.Logf("Redis not available, using in-memory cache")
		}
	}

	svc := service.NewWeatherService(weatherClient, cache.NewFailSoft(store, zap.NewNop()), service.Config{TTL: 5 * time.Minute})
	return svc, store, cleanup
}

// SetupIntegrationClient creates a weather client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// ClearCache removes every weather entry so tests start from a cold cache.
func ClearCache(ctx context.Context, store cache.Cache) {
	_ = store.Clear(ctx)
}
