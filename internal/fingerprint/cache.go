package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache memoizes fingerprints keyed by (method, filename, content hash).
// It is advisory only: a miss or eviction just recomputes.
type Cache struct {
	entries *lru.Cache[string, string]
	hits    atomic.Int64
	misses  atomic.Int64
}

const DefaultCacheSize = 1024

// NewCache builds an LRU cache; size <= 0 uses DefaultCacheSize.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

func cacheKey(method Method, filename, content string) string {
	sum := sha256.Sum256([]byte(content))
	return string(method) + "|" + filename + "|" + hex.EncodeToString(sum[:])
}

func (c *Cache) get(method Method, filename, content string) (string, bool) {
	fp, ok := c.entries.Get(cacheKey(method, filename, content))
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return fp, ok
}

func (c *Cache) add(method Method, filename, content, fp string) {
	c.entries.Add(cacheKey(method, filename, content), fp)
}

// Counters returns cumulative hit/miss counts for observability.
func (c *Cache) Counters() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached fingerprints.
func (c *Cache) Len() int {
	return c.entries.Len()
}
