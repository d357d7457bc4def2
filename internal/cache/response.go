package cache

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/location-weather/internal/models"
	"github.com/kjstillabower/location-weather/internal/observability"
)

const (
	DefaultTTL          = 10 * time.Minute
	DefaultFetchTimeout = 5 * time.Second
)

// Fetcher produces a fresh snapshot on a cache miss.
type Fetcher func(ctx context.Context) (models.WeatherSnapshot, error)

// Options configure a ResponseCache. Zero values select the defaults.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	BackendName  string           // metric label
	Now          func() time.Time // clock used to stamp and check expiry
}

// ResponseCache serves snapshots from a backend and collapses concurrent misses for the same key
// into one fetch. Failed fetches are never stored.
type ResponseCache struct {
	backend      Cache
	backendName  string
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger

	group singleflight.Group
}

// NewResponseCache wraps backend. logger may be nil.
func NewResponseCache(backend Cache, opts Options, logger *zap.Logger) *ResponseCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.BackendName == "" {
		opts.BackendName = BackendInMemory
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseCache{
		backend:      backend,
		backendName:  opts.BackendName,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		now:          opts.Now,
		logger:       logger,
	}
}

// GetOrFetch returns the unexpired snapshot for key, or runs fetch once for all concurrent
// callers of the same key and stores the result for the TTL. The shared fetch is not cancelled
// when one caller goes away; it is bounded by the fetch timeout instead.
func (rc *ResponseCache) GetOrFetch(ctx context.Context, key string, fetch Fetcher) (models.WeatherSnapshot, error) {
	logger := observability.LoggerFromContext(ctx, rc.logger)

	if entry, ok := rc.lookup(ctx, key, logger); ok {
		observability.CacheHitsTotal.WithLabelValues(rc.backendName).Inc()
		logger.Debug("cache hit", zap.String("key", key))
		return entry.Snapshot, nil
	}
	observability.CacheMissesTotal.WithLabelValues(rc.backendName).Inc()

	ch := rc.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.fetchTimeout)
		defer cancel()

		// a flight that finished between our lookup and DoChan may already have stored the key
		if entry, ok := rc.lookup(fetchCtx, key, logger); ok {
			return entry.Snapshot, nil
		}

		logger.Debug("cache miss, fetching upstream", zap.String("key", key))
		snap, err := fetch(fetchCtx)
		if err != nil {
			return models.WeatherSnapshot{}, err
		}
		rc.store(fetchCtx, key, snap, logger)
		return snap, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			observability.SingleflightSharedTotal.WithLabelValues(rc.backendName).Inc()
		}
		if res.Err != nil {
			return models.WeatherSnapshot{}, res.Err
		}
		return res.Val.(models.WeatherSnapshot), nil
	case <-ctx.Done():
		return models.WeatherSnapshot{}, ctx.Err()
	}
}

// lookup reads key from the backend. Backend errors are logged, counted and reported as a miss.
func (rc *ResponseCache) lookup(ctx context.Context, key string, logger *zap.Logger) (Entry, bool) {
	start := time.Now()
	entry, ok, err := rc.backend.Get(ctx, key)
	duration := time.Since(start).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(duration)
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return Entry{}, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(duration)
	if !ok || !entry.Valid(rc.now()) {
		return Entry{}, false
	}
	return entry, true
}

func (rc *ResponseCache) store(ctx context.Context, key string, snap models.WeatherSnapshot, logger *zap.Logger) {
	entry := Entry{Snapshot: snap, ExpiresAt: rc.now().Add(rc.ttl)}
	start := time.Now()
	if err := rc.backend.Set(ctx, key, entry); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(start).Seconds())
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(start).Seconds())
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
