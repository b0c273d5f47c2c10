package reconcile

import (
	"fmt"
	"sync"

	"github.com/promohub/scraper-engine/pkg/db/models"
)

// DefaultCacheLimit is the entry count at which the cache clears itself.
const DefaultCacheLimit = 10000

// DedupCache is a bounded, advisory recency set of (marketplace, url)
// keys seen during this process lifetime. It only short-circuits
// existence checks; the database uniqueness invariant stays the
// authoritative guard. Safe for concurrent use from parallel batches.
type DedupCache struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	limit int
}

// NewDedupCache creates a cache that clears entirely once it exceeds
// limit entries. A non-positive limit uses DefaultCacheLimit.
func NewDedupCache(limit int) *DedupCache {
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	return &DedupCache{
		seen:  make(map[string]struct{}),
		limit: limit,
	}
}

func cacheKey(marketplace models.Marketplace, productURL string) string {
	return fmt.Sprintf("%s:%s", marketplace, productURL)
}

// Seen reports whether the key was marked earlier in this process.
func (c *DedupCache) Seen(marketplace models.Marketplace, productURL string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[cacheKey(marketplace, productURL)]
	return ok
}

// Mark records the key, clearing the whole cache first when the bound is
// exceeded.
func (c *DedupCache) Mark(marketplace models.Marketplace, productURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.seen) >= c.limit {
		c.seen = make(map[string]struct{})
	}
	c.seen[cacheKey(marketplace, productURL)] = struct{}{}
}

// Len returns the current entry count.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
