package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"strata/metrics"
)

// resultCache memoizes results of parameterless read statements keyed by
// statement text and fetch mode. Entries are stored and handed out as deep copies.
//
// Every purge starts a new generation. A read stores its result only if no
// purge happened since it observed the generation, so a read that started
// before a write committed cannot repopulate the cache with pre-write rows.
//
// With a positive TTL the LRU runs an expiry goroutine for the life of the
// process; a zero TTL keeps entries until evicted by size or purged.
type resultCache struct {
	lru    *expirable.LRU[uint64, *QueryResult]
	hits   atomic.Int64
	misses atomic.Int64

	// mu orders put against purge; gen is read without it
	mu  sync.Mutex
	gen atomic.Uint64
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	return &resultCache{
		lru: expirable.NewLRU[uint64, *QueryResult](size, nil, ttl),
	}
}

func (c *resultCache) get(key uint64) (*QueryResult, bool) {
	res, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}
	c.hits.Add(1)
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return res.clone(), true
}

// generation returns the current purge generation. Take it before reading
// from the store.
func (c *resultCache) generation() uint64 {
	return c.gen.Load()
}

// put stores res unless the cache was purged after gen was taken. It reports
// whether the entry was stored.
func (c *resultCache) put(key uint64, res *QueryResult, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen.Load() != gen {
		return false
	}
	c.lru.Add(key, res.clone())
	metrics.CacheEntries.Set(float64(c.lru.Len()))
	return true
}

func (c *resultCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen.Add(1)
	c.lru.Purge()
	metrics.CacheEntries.Set(0)
}

// CacheStats reports result cache occupancy and lookup counters
type CacheStats struct {
	Enabled bool  `json:"enabled" yaml:"enabled"`
	Size    int   `json:"size" yaml:"size"`
	Hits    int64 `json:"hits" yaml:"hits"`
	Misses  int64 `json:"misses" yaml:"misses"`
}

func (c *resultCache) stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	return CacheStats{
		Enabled: true,
		Size:    c.lru.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
