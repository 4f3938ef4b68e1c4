// Package cache holds recently used key material in bounded per-category
// LRU caches. It is purely a performance layer: every lookup may miss and
// callers must be able to rebuild any entry from the directory.
package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Category partitions the cache. Each category has its own capacity and
// eviction order.
type Category string

const (
	Identity     Category = "identity"
	PrekeyBundle Category = "prekey_bundle"
	Session      Category = "session"
	RemoteBundle Category = "remote_bundle"
	CryptoResult Category = "crypto_result"
)

// Categories lists every category in a stable order.
var Categories = []Category{Identity, PrekeyBundle, Session, RemoteBundle, CryptoResult}

// DefaultCapacities returns the stock per-category entry limits.
func DefaultCapacities() map[Category]int {
	return map[Category]int{
		Identity:     100,
		PrekeyBundle: 200,
		Session:      500,
		RemoteBundle: 200,
		CryptoResult: 1000,
	}
}

// LoadTimeout bounds a GetOrLoad loader. The loader runs detached from
// the caller that started it, so this is its only deadline.
const LoadTimeout = 30 * time.Second

// userScoped categories are keyed by UserKey or UserDeviceKey and are
// subject to InvalidateUser. CryptoResult keys come from ResultKey.
var userScoped = map[Category]bool{
	Identity:     true,
	PrekeyBundle: true,
	Session:      true,
	RemoteBundle: true,
}

// ErrUnknownCategory is returned for a category the cache was not built
// with.
var ErrUnknownCategory = errors.New("unknown cache category")

// CategoryStats describes one category.
type CategoryStats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

type bucket struct {
	entries  *lru.Cache[string, any]
	capacity int
	hits     atomic.Uint64
	misses   atomic.Uint64
}

// flight is one in-progress GetOrLoad loader.
type flight struct {
	key   string
	user  string
	stale bool
}

// Cache is safe for concurrent use.
type Cache struct {
	buckets map[Category]*bucket
	loads   singleflight.Group

	mu       sync.Mutex
	inflight map[*flight]struct{}
}

// New builds a Cache. Categories missing from capacities use the default
// size; a non-positive capacity is an error.
func New(capacities map[Category]int) (*Cache, error) {
	caps := DefaultCapacities()
	maps.Copy(caps, capacities)

	c := &Cache{
		buckets:  make(map[Category]*bucket, len(caps)),
		inflight: make(map[*flight]struct{}),
	}

	for cat, n := range caps {
		if n <= 0 {
			return nil, fmt.Errorf("capacity for %s must be positive, got %d", cat, n)
		}

		entries, err := lru.New[string, any](n)
		if err != nil {
			return nil, fmt.Errorf("creating %s cache: %w", cat, err)
		}

		c.buckets[cat] = &bucket{entries: entries, capacity: n}
	}

	return c, nil
}

func (c *Cache) bucket(cat Category) (*bucket, error) {
	b, ok := c.buckets[cat]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, cat)
	}

	return b, nil
}

// Put stores value under key, evicting the least recently used entry of
// the category when full.
func (c *Cache) Put(cat Category, key string, value any) error {
	b, err := c.bucket(cat)
	if err != nil {
		return err
	}

	b.entries.Add(key, value)

	return nil
}

// Get returns the cached value and marks it most recently used. Every
// call counts as a hit or a miss.
func (c *Cache) Get(cat Category, key string) (any, bool) {
	b, err := c.bucket(cat)
	if err != nil {
		return nil, false
	}

	v, ok := b.entries.Get(key)
	if ok {
		b.hits.Add(1)
	} else {
		b.misses.Add(1)
	}

	return v, ok
}

// Lookup is Get with a type assertion. A value of the wrong type reads as
// a miss.
func Lookup[T any](c *Cache, cat Category, key string) (T, bool) {
	var zero T

	v, ok := c.Get(cat, key)
	if !ok {
		return zero, false
	}

	t, ok := v.(T)
	if !ok {
		return zero, false
	}

	return t, true
}

// Remove deletes one entry and reports whether it was present.
func (c *Cache) Remove(cat Category, key string) bool {
	b, err := c.bucket(cat)
	if err != nil {
		return false
	}

	return b.entries.Remove(key)
}

// InvalidateUser removes every entry keyed by userID or by a
// "<userID>:..." compound key, in every user-scoped category. Loads for
// the user still in flight are marked stale: their results reach the
// callers already waiting but are not cached. It returns the number of
// entries removed.
func (c *Cache) InvalidateUser(userID string) int {
	user := UserKey(userID)
	prefix := user + keySep
	removed := 0

	c.mu.Lock()
	defer c.mu.Unlock()

	for f := range c.inflight {
		if f.user == user && !f.stale {
			f.stale = true
			c.loads.Forget(f.key)
		}
	}

	for cat, b := range c.buckets {
		if !userScoped[cat] {
			continue
		}

		for _, key := range b.entries.Keys() {
			if key == user || strings.HasPrefix(key, prefix) {
				if b.entries.Remove(key) {
					removed++
				}
			}
		}
	}

	return removed
}

// ClearAll empties every category and resets hit and miss counters.
func (c *Cache) ClearAll() {
	for _, b := range c.buckets {
		b.entries.Purge()
		b.hits.Store(0)
		b.misses.Store(0)
	}
}

// Statistics returns per-category counters.
func (c *Cache) Statistics() map[Category]CategoryStats {
	out := make(map[Category]CategoryStats, len(c.buckets))

	for cat, b := range c.buckets {
		hits, misses := b.hits.Load(), b.misses.Load()

		var rate float64
		if total := hits + misses; total > 0 {
			rate = float64(hits) / float64(total)
		}

		out[cat] = CategoryStats{
			Size:     b.entries.Len(),
			Capacity: b.capacity,
			Hits:     hits,
			Misses:   misses,
			HitRate:  rate,
		}
	}

	return out
}

// GetOrLoad returns the cached value or calls load once for all
// concurrent callers missing the same key, caching a successful result.
// Errors are not cached. The loader gets a context detached from the
// caller's cancellation and bounded by LoadTimeout; a caller whose ctx
// ends stops waiting without failing the others.
func (c *Cache) GetOrLoad(ctx context.Context, cat Category, key string, load func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(cat, key); ok {
		return v, nil
	}

	if _, err := c.bucket(cat); err != nil {
		return nil, err
	}

	f := &flight{key: string(cat) + "\x00" + key}
	if userScoped[cat] {
		f.user, _, _ = strings.Cut(key, keySep)
	}

	lctx := context.WithoutCancel(ctx)

	ch := c.loads.DoChan(f.key, func() (any, error) {
		c.mu.Lock()
		c.inflight[f] = struct{}{}
		c.mu.Unlock()

		lctx, cancel := context.WithTimeout(lctx, LoadTimeout)
		defer cancel()

		v, err := load(lctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.inflight, f)

		if err != nil {
			return nil, err
		}

		if !f.stale {
			_ = c.Put(cat, key, v)
		}

		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
