package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/location-weather/internal/models"
	"github.com/kjstillabower/location-weather/internal/observability"
)

// SnapshotFetcher is implemented by the service layer. It goes through the response cache,
// so a warm fetch populates the same entries a render would read.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, location models.Location, opts models.FetchOptions) (models.WeatherSnapshot, error)
}

// CacheWarmer prefetches the snapshots of configured widgets once at startup.
type CacheWarmer struct {
	fetcher SnapshotFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher SnapshotFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches every widget's snapshot concurrently. Widgets sharing a location and options
// are fetched once. Returns the joined errors of failed widgets.
func (w *CacheWarmer) Warm(ctx context.Context, widgets []*models.WidgetConfig) error {
	start := time.Now()
	w.logger.Info("warming cache", zap.Int("widgets", len(widgets)))

	seen := make(map[string]struct{}, len(widgets))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, cfg := range widgets {
		opts := cfg.Display.FetchOptions()
		key := Key(cfg.Location, opts)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		wg.Add(1)
		go func(id string, loc models.Location) {
			defer wg.Done()
			if _, err := w.fetcher.Snapshot(ctx, loc, opts); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm widget %s: %w", id, err))
				mu.Unlock()
			}
		}(cfg.ID, cfg.Location)
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(seen)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}
