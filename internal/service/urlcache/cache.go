// Package urlcache implements the URL-extraction cache: a TTL map of
// short-lived CDN stream URLs keyed by (user, resource, quality), sized
// below the provider's own URL lifetime.
package urlcache

import (
	"sync"
	"time"

	"github.com/fairyhunter13/soundsidecar/internal/adapter/observability"
	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// Key identifies one cached stream URL.
type Key struct {
	UserID     string
	ResourceID string
	Quality    domain.StreamQuality
}

// Entry is a cached stream URL and the metadata needed to serve it.
type Entry struct {
	Info      domain.StreamURLInfo
	ExpiresAt time.Time
}

// Cache is a TTL-bounded map guarded by a single RWMutex; writes and
// prefix-scoped clears are infrequent relative to reads.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	ttl     time.Duration
}

// New builds an empty cache with the given per-entry TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[Key]Entry), ttl: ttl}
}

// Get returns the cached entry if present and not yet expired.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.ExpiresAt) {
		observability.URLCacheMissesTotal.Inc()
		return Entry{}, false
	}
	observability.URLCacheHitsTotal.Inc()
	return e, true
}

// Put stores info under key, stamping its expiry ttl from now.
func (c *Cache) Put(key Key, info domain.StreamURLInfo) Entry {
	e := Entry{Info: info, ExpiresAt: time.Now().Add(c.ttl)}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e
}

// Evict drops the exact key, e.g. after an upstream 401/403 rejects it.
func (c *Cache) Evict(key Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ClearUser drops every entry for userID, e.g. on logout or token refresh.
func (c *Cache) ClearUser(userID string) {
	c.clearMatching(func(k Key) bool { return k.UserID == userID })
}

// ClearResource drops every entry for (userID, resourceID) across qualities.
func (c *Cache) ClearResource(userID, resourceID string) {
	c.clearMatching(func(k Key) bool { return k.UserID == userID && k.ResourceID == resourceID })
}

// ClearResourceQuality drops exactly one (user, resource, quality) entry.
// Equivalent to Evict but expressed as a prefix clear for callers that
// don't already hold a Key.
func (c *Cache) ClearResourceQuality(userID, resourceID string, quality domain.StreamQuality) {
	c.Evict(Key{UserID: userID, ResourceID: resourceID, Quality: quality})
}

func (c *Cache) clearMatching(match func(Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
		}
	}
}

// Sweep removes all expired entries, for periodic maintenance; callers are
// not required to invoke this since Get already treats expired entries as
// misses, but it bounds the map's memory growth over long uptimes.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, k)
		}
	}
}
