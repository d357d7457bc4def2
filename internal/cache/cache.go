package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kjstillabower/location-weather/internal/models"
)

// Backend names accepted by config cache.backend.
const (
	BackendInMemory  = "in_memory"
	BackendRistretto = "ristretto"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
)

const keyPrefix = "weather:"

// maxLocationKeyBytes bounds the location part of a key so the whole key stays under
// memcached's 250-byte limit.
const maxLocationKeyBytes = 160

// Entry is a cached snapshot. It must never be served at or after ExpiresAt.
type Entry struct {
	Snapshot  models.WeatherSnapshot `json:"snapshot"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

// Valid reports whether the entry may still be served at now.
func (e Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Cache is a storage backend for response entries.
// Get returns (entry, true, nil) on an unexpired hit and (zero, false, nil) on a miss or expiry.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
}

// Key builds the cache key for a location and fetch options: the normalized location followed by
// a hash of the canonical options string. Requests that differ only in letter case or spacing of
// the place name share a key. Coordinates keep full precision, so distinct points never share one.
// A location longer than maxLocationKeyBytes is replaced by its hash.
func Key(location models.Location, opts models.FetchOptions) string {
	units := opts.Units
	if units == "" {
		units = models.UnitsMetric
	}
	canonical := "units=" + string(units) + ";days=" + strconv.Itoa(opts.ForecastDays)
	loc := normalizeLocation(location)
	if len(loc) > maxLocationKeyBytes {
		loc = fmt.Sprintf("h%016x", xxhash.Sum64String(loc))
	}
	return fmt.Sprintf("%s%s:%016x", keyPrefix, loc, xxhash.Sum64String(canonical))
}

func normalizeLocation(location models.Location) string {
	if location.HasCoordinates() {
		return strconv.FormatFloat(*location.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(*location.Lon, 'f', -1, 64)
	}
	// underscores are not valid in place names, so joining on them cannot collide
	return strings.Join(strings.Fields(strings.ToLower(location.Name)), "_")
}

// InMemoryCache implements Cache with a mutex-guarded map. Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]Entry
	now  func() time.Time
}

// NewInMemoryCache creates an in-memory cache. now may be nil to use time.Now.
func NewInMemoryCache(now func() time.Time) *InMemoryCache {
	if now == nil {
		now = time.Now
	}
	return &InMemoryCache{
		data: make(map[string]Entry),
		now:  now,
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !entry.Valid(c.now()) {
		delete(c.data, key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache) Set(ctx context.Context, key string, entry Entry) error {
	c.mu.Lock()
	c.data[key] = entry
	c.mu.Unlock()
	return nil
}
