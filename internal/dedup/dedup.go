// Package dedup remembers which case was created for which alert identity so a
// repeated alert within the TTL does not open a second case.
package dedup

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL  = 300 * time.Second
	DefaultSize = 2048
)

// Cache maps alert identity to case id. Entries expire after the TTL and the
// least recently used entry is evicted at capacity. It is safe for concurrent
// use and process-local.
type Cache struct {
	lru *expirable.LRU[string, string]
}

// New creates a cache; non-positive arguments select the defaults.
func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Get returns the case id recorded for alertID.
func (c *Cache) Get(alertID string) (string, bool) {
	return c.lru.Get(alertID)
}

// Put records caseID for alertID, replacing any previous entry.
func (c *Cache) Put(alertID, caseID string) {
	c.lru.Add(alertID, caseID)
}

// Len reports the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }
