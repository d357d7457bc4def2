//go:build integration
// +build integration

// Package testhelpers builds live stacks for integration tests.
package testhelpers

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/location-weather/internal/cache"
	"github.com/kjstillabower/location-weather/internal/client"
	"github.com/kjstillabower/location-weather/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey         string
	APIURL         string
	ForecastURL    string
	CacheBackend   string // in_memory, ristretto, memcached or redis
	MemcachedAddrs string
	RedisAddr      string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	return IntegrationTestConfig{
		APIKey:         apiKey,
		APIURL:         getenv("WEATHER_API_URL", "https://api.openweathermap.org/data/2.5/weather"),
		ForecastURL:    getenv("WEATHER_API_FORECAST_URL", "https://api.openweathermap.org/data/2.5/forecast"),
		CacheBackend:   getenv("INTEGRATION_CACHE_BACKEND", cache.BackendInMemory),
		MemcachedAddrs: getenv("MEMCACHED_ADDRS", "localhost:11211"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SetupIntegrationClient creates a live provider client.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, cfg.ForecastURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// SetupIntegrationService creates a service backed by the live provider and the configured
// cache backend. Remote backends that cannot be reached fall back to the in-memory cache.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) *service.WeatherService {
	t.Helper()
	logger := zaptest.NewLogger(t)

	var backend cache.Cache
	switch cfg.CacheBackend {
	case cache.BackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, 500*time.Millisecond, 2)
		if err == nil && mc.Ping() == nil {
			backend = mc
			t.Cleanup(func() { mc.Close() })
			t.Logf("using memcached at %s", cfg.MemcachedAddrs)
		} else {
			t.Logf("memcached not available, using in-memory cache")
		}
	case cache.BackendRedis:
		rc := cache.NewRedisCache(cfg.RedisAddr, 0, 500*time.Millisecond)
		t.Cleanup(func() { rc.Close() })
		backend = rc
		t.Logf("using redis at %s", cfg.RedisAddr)
	case cache.BackendRistretto:
		rc, err := cache.NewRistrettoCache(1000)
		if err != nil {
			t.Fatalf("NewRistrettoCache() error = %v", err)
		}
		t.Cleanup(func() { rc.Close() })
		backend = rc
	}
	if backend == nil {
		backend = cache.NewInMemoryCache(nil)
	}

	responses := cache.NewResponseCache(backend, cache.Options{TTL: 5 * time.Minute, BackendName: cfg.CacheBackend}, logger)
	return service.NewWeatherService(SetupIntegrationClient(t, cfg), responses, logger)
}
