package token

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

type cacheEntry struct {
	claims    Claims
	expiresAt time.Time // zero when the token carries no exp
}

// Cache remembers verified credentials so repeat requests skip signature
// checks. Keys are SHA-256 digests; raw tokens are never stored. An entry
// is never served past the token's own expiry.
type Cache struct {
	lru    *expirable.LRU[string, cacheEntry]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache holding at most maxEntries for at most ttl.
func NewCache(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		lru: expirable.NewLRU[string, cacheEntry](maxEntries, nil, ttl),
	}
}

func cacheKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Get returns the claims cached for raw if they are still valid at now.
func (c *Cache) Get(raw string, now time.Time) (Claims, bool) {
	key := cacheKey(raw)
	e, ok := c.lru.Get(key)
	if ok && !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		c.lru.Remove(key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.claims, true
}

// Add stores verified claims for raw.
func (c *Cache) Add(raw string, claims Claims) {
	e := cacheEntry{claims: claims}
	if exp, ok := claims.Expiry(); ok {
		e.expiresAt = exp
	}
	c.lru.Add(cacheKey(raw), e)
}

// Purge drops every entry. The admin API calls it after key rotation.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Hits returns the number of cache hits.
func (c *Cache) Hits() int64 {
	return c.hits.Load()
}

// Misses returns the number of cache misses.
func (c *Cache) Misses() int64 {
	return c.misses.Load()
}
