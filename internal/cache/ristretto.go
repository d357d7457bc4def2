package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache implements Cache on an in-process ristretto cache. Admission is probabilistic,
// so a Set may be dropped; callers already treat that as a later miss.
type RistrettoCache struct {
	cache *ristretto.Cache
	now   func() time.Time
}

// NewRistrettoCache creates a RistrettoCache bounded to maxCost entries.
func NewRistrettoCache(maxCost int64) (*RistrettoCache, error) {
	if maxCost <= 0 {
		maxCost = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10, // number of keys to track frequency of
		MaxCost:     maxCost,
		BufferItems: 64, // number of keys per Get buffer
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &RistrettoCache{cache: c, now: time.Now}, nil
}

// Get implements Cache.Get.
func (c *RistrettoCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	val, found := c.cache.Get(key)
	if !found {
		return Entry{}, false, nil
	}
	entry, ok := val.(Entry)
	if !ok {
		return Entry{}, false, fmt.Errorf("ristretto: unexpected value type %T", val)
	}
	if !entry.Valid(c.now()) {
		c.cache.Del(key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set implements Cache.Set.
func (c *RistrettoCache) Set(ctx context.Context, key string, entry Entry) error {
	ttl := entry.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	c.cache.SetWithTTL(key, entry, 1, ttl)
	c.cache.Wait()
	return nil
}

// Close stops the ristretto background goroutines.
func (c *RistrettoCache) Close() error {
	c.cache.Close()
	return nil
}
