package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// CacheEntry is one cached query result.
type CacheEntry struct {
	Key       string
	Statement string
	Value     any
	StoredAt  time.Time
	TTL       time.Duration
}

func (e *CacheEntry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.StoredAt) >= e.TTL
}

type CacheStats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// QueryCache is a bounded LRU of query results with a per-entry TTL. Concurrent
// misses for the same key are collapsed into one load.
type QueryCache struct {
	entries *lru.Cache[string, *CacheEntry]
	group   singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func NewQueryCache(maxEntries int) (*QueryCache, error) {
	entries, err := lru.New[string, *CacheEntry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	return &QueryCache{entries: entries}, nil
}

// CacheKey derives a stable key from the statement, its parameters and the
// read-only flag.
func CacheKey(stmt string, params []any, readOnly bool) string {
	encoded, err := json.Marshal(params)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%#v", params))
	}
	h := sha256.New()
	h.Write([]byte(stmt))
	h.Write([]byte{0})
	h.Write(encoded)
	if readOnly {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a live entry and counts a hit or a miss. Expired entries are removed.
func (c *QueryCache) Get(key string) (*CacheEntry, bool) {
	e, ok := c.lookup(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

func (c *QueryCache) lookup(key string) (*CacheEntry, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		c.entries.Remove(key)
		return nil, false
	}
	return e, true
}

func (c *QueryCache) Set(key, stmt string, value any, ttl time.Duration) {
	if c.entries.Add(key, &CacheEntry{
		Key:       key,
		Statement: stmt,
		Value:     value,
		StoredAt:  time.Now(),
		TTL:       ttl,
	}) {
		c.evictions.Add(1)
	}
}

// Do returns the cached value for key, or runs load once for all concurrent callers
// asking for the same key and caches its result. The bool reports a cache hit.
func (c *QueryCache) Do(key, stmt string, ttl time.Duration, load func() (any, error)) (any, bool, error) {
	if e, ok := c.Get(key); ok {
		return e.Value, true, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if e, ok := c.lookup(key); ok {
			return e.Value, nil
		}
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(key, stmt, v, ttl)
		return v, nil
	})
	return v, false, err
}

// InvalidatePattern removes every entry whose statement contains pattern and
// returns how many were removed. An empty pattern clears the cache.
func (c *QueryCache) InvalidatePattern(pattern string) int {
	if pattern == "" {
		n := c.entries.Len()
		c.entries.Purge()
		return n
	}
	n := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && strings.Contains(e.Statement, pattern) {
			if c.entries.Remove(key) {
				n++
			}
		}
	}
	return n
}

func (c *QueryCache) Clear() {
	c.entries.Purge()
}

// PurgeExpired drops every expired entry and returns how many were dropped.
func (c *QueryCache) PurgeExpired() int {
	now := time.Now()
	n := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && e.expired(now) {
			if c.entries.Remove(key) {
				n++
			}
		}
	}
	return n
}

func (c *QueryCache) Stats() CacheStats {
	s := CacheStats{
		Entries:   c.entries.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// InvalidateCache removes cached results whose statement contains pattern.
func (m *Manager) InvalidateCache(pattern string) int {
	if m.cache == nil {
		return 0
	}
	return m.cache.InvalidatePattern(pattern)
}

// ClearCache drops every cached result.
func (m *Manager) ClearCache() {
	if m.cache != nil {
		m.cache.Clear()
	}
}
