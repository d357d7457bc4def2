package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/location-weather/internal/cache"
	"github.com/kjstillabower/location-weather/internal/client"
	"github.com/kjstillabower/location-weather/internal/models"
	"github.com/kjstillabower/location-weather/internal/observability"
)

// WeatherService serves weather snapshots through the response cache, falling back to the
// provider client on a miss.
type WeatherService struct {
	client client.WeatherClient
	cache  *cache.ResponseCache
	logger *zap.Logger
}

// NewWeatherService creates a new WeatherService with the provided dependencies. logger may be nil.
func NewWeatherService(client client.WeatherClient, cache *cache.ResponseCache, logger *zap.Logger) *WeatherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeatherService{client: client, cache: cache, logger: logger}
}

// Snapshot returns the weather for location with opts. Within the cache TTL repeated calls for
// the same location and options cost no provider call; concurrent misses share one call.
func (s *WeatherService) Snapshot(ctx context.Context, location models.Location, opts models.FetchOptions) (models.WeatherSnapshot, error) {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx, s.logger)
	key := cache.Key(location, opts)

	snap, err := s.cache.GetOrFetch(ctx, key, func(fetchCtx context.Context) (models.WeatherSnapshot, error) {
		return s.client.Fetch(fetchCtx, location, opts)
	})
	if err != nil {
		return models.WeatherSnapshot{}, fmt.Errorf("fetch weather for %s: %w", key, err)
	}
	logger.Debug("weather served", zap.String("key", key), zap.Duration("duration", time.Since(start)))
	return snap, nil
}

// ValidateAPIKey checks the provider credentials. Used by the health endpoint.
func (s *WeatherService) ValidateAPIKey(ctx context.Context) error {
	return s.client.ValidateAPIKey(ctx)
}
