package aggregate

import (
	"context"
	"sync"
	"time"

	"github.com/splax/pulse/internal/domain"
)

// BucketKey identifies one cached bucket.
type BucketKey struct {
	ProjectID   string
	Granularity domain.Granularity
	Start       time.Time
}

// CacheEntry pairs a bucket with the generation it was computed under. On
// Lookup, Generation is the key's current generation and Bucket is set only
// when the stored entry was computed under that same generation.
type CacheEntry struct {
	Key        BucketKey
	Generation int64
	Bucket     *domain.AggregatedBucket
}

// BucketCache stores completed buckets. Every key carries a generation
// counter that Invalidate bumps, so an entry computed before a late sample
// arrived is never served again.
type BucketCache interface {
	Lookup(ctx context.Context, keys []BucketKey) ([]CacheEntry, error)
	Store(ctx context.Context, entries []CacheEntry) error
	Invalidate(ctx context.Context, projectID string, ts time.Time) error
}

const defaultMemoryCacheEntries = 100_000

// MemoryCache is an in-process BucketCache. Generations come from a single
// clock; keys without a recorded generation read as floor, which is raised
// past every issued generation whenever the generation table is reset.
type MemoryCache struct {
	mu          sync.Mutex
	generations map[BucketKey]int64
	entries     map[BucketKey]CacheEntry
	maxEntries  int
	clock       int64
	floor       int64
}

// NewMemoryCache returns a cache holding at most maxEntries buckets and
// tracking at most maxEntries generations.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryCacheEntries
	}
	return &MemoryCache{
		generations: make(map[BucketKey]int64),
		entries:     make(map[BucketKey]CacheEntry),
		maxEntries:  maxEntries,
	}
}

func (c *MemoryCache) generation(key BucketKey) int64 {
	if gen, ok := c.generations[key]; ok {
		return gen
	}
	return c.floor
}

func normalizeKey(k BucketKey) BucketKey {
	k.Start = k.Start.UTC()
	return k
}

func (c *MemoryCache) Lookup(ctx context.Context, keys []BucketKey) ([]CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CacheEntry, len(keys))
	for i, key := range keys {
		key = normalizeKey(key)
		gen := c.generation(key)
		out[i] = CacheEntry{Key: key, Generation: gen}
		if entry, ok := c.entries[key]; ok && entry.Generation == gen && entry.Bucket != nil {
			bucket := *entry.Bucket
			out[i].Bucket = &bucket
		}
	}
	return out, nil
}

func (c *MemoryCache) Store(ctx context.Context, entries []CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries)+len(entries) > c.maxEntries {
		// generations stay, so dropping entries never resurrects stale data
		c.entries = make(map[BucketKey]CacheEntry)
	}
	for _, entry := range entries {
		if entry.Bucket == nil {
			continue
		}
		key := normalizeKey(entry.Key)
		bucket := *entry.Bucket
		c.entries[key] = CacheEntry{Key: key, Generation: entry.Generation, Bucket: &bucket}
	}
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, projectID string, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.generations)+len(domain.Granularities) > c.maxEntries {
		// forget every generation at once; the raised floor still rejects
		// anything computed before the reset
		c.clock++
		c.floor = c.clock
		c.generations = make(map[BucketKey]int64)
		c.entries = make(map[BucketKey]CacheEntry)
	}
	c.clock++
	for _, g := range domain.Granularities {
		key := BucketKey{ProjectID: projectID, Granularity: g, Start: g.Truncate(ts)}
		c.generations[key] = c.clock
	}
	return nil
}
