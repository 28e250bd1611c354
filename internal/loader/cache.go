package loader

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"conclave/client/internal/telemetry"
)

// Entry is one cached payload.
type Entry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Cache is a bounded key/value store with insertion-order eviction: inserting
// past the maximum removes the oldest-inserted entry, deliberately not LRU.
type Cache struct {
	mu      sync.Mutex
	max     int
	entries map[string]Entry
	order   []string
	metrics telemetry.Metrics
}

const DefaultMaxCacheSize = 128

func NewCache(max int, metrics telemetry.Metrics) *Cache {
	if max <= 0 {
		max = DefaultMaxCacheSize
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Cache{
		max:     max,
		entries: make(map[string]Entry),
		metrics: metrics,
	}
}

// Put stores a payload. Updating an existing key keeps its insertion slot.
func (c *Cache) Put(key string, data json.RawMessage, fetchedAt time.Time) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := Entry{
		Key:       key,
		Data:      append(json.RawMessage(nil), data...),
		FetchedAt: fetchedAt,
	}
	if _, exists := c.entries[key]; exists {
		c.entries[key] = entry
		return
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		c.metrics.Add(telemetry.MetricCacheEvictions, 1)
	}
	c.entries[key] = entry
	c.order = append(c.order, key)
}

// Get returns the cached payload. It never triggers a fetch.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), entry.Data...), true
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// reports how many were removed.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.order[:0]
	removed := 0
	for _, key := range c.order {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
	return removed
}

// Entries returns a copy of the cache contents in insertion order.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]Entry, 0, len(c.order))
	for _, key := range c.order {
		entry := c.entries[key]
		entry.Data = append(json.RawMessage(nil), entry.Data...)
		entries = append(entries, entry)
	}
	return entries
}

// Restore seeds the cache from persisted entries, preserving insertion order
// and honouring the size bound.
func (c *Cache) Restore(entries []Entry) {
	for _, entry := range entries {
		c.Put(entry.Key, entry.Data, entry.FetchedAt)
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Clear removes everything. Used on logout.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	c.order = c.order[:0]
}
