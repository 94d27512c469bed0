package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// ShardedPriceCache is a price cache split into independently locked shards.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]PriceEntry
}

// PriceEntry is a cached price and the time it was observed.
type PriceEntry struct {
	Price     decimal.Decimal
	UpdatedAt time.Time
}

// Age reports how long ago the entry was observed.
func (e PriceEntry) Age() time.Duration {
	return time.Since(e.UpdatedAt)
}

// NewShardedPriceCache creates a new sharded cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]PriceEntry),
		}
	}
	return c
}

func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price observed now.
func (c *ShardedPriceCache) Set(symbol string, price decimal.Decimal) {
	c.SetAt(symbol, price, time.Now())
}

// SetAt stores a price observed at ts. Older observations never replace newer ones.
func (c *ShardedPriceCache) SetAt(symbol string, price decimal.Decimal, ts time.Time) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	if cur, ok := shard.items[symbol]; !ok || !ts.Before(cur.UpdatedAt) {
		shard.items[symbol] = PriceEntry{Price: price, UpdatedAt: ts}
	}
	shard.mu.Unlock()
}

// Get retrieves the entry for a symbol.
func (c *ShardedPriceCache) Get(symbol string) (PriceEntry, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return entry, ok
}

// Delete removes a symbol from the cache.
func (c *ShardedPriceCache) Delete(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.UpdatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// GetAll returns all cached prices (for debugging/admin).
func (c *ShardedPriceCache) GetAll() map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, entry := range shard.items {
			result[sym] = entry.Price
		}
		shard.mu.RUnlock()
	}
	return result
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems int           `json:"total_items"`
	OldestAge  time.Duration `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedPriceCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for _, shard := range c.shards {
		shard.mu.RLock()
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.UpdatedAt.Before(oldest) {
				oldest = entry.UpdatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
