package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/pulse/internal/domain"
)

// RedisCache is a BucketCache shared by every API replica.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

type redisEntry struct {
	Generation   int64    `json:"gen"`
	RequestCount int64    `json:"request_count"`
	ErrorCount   int64    `json:"error_count"`
	P95LatencyMS *float64 `json:"p95_latency_ms"`
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, logger: logger.With("component", "bucket_cache"), prefix: "pulse:agg:", ttl: ttl}, nil
}

func (c *RedisCache) genKey(k BucketKey) string {
	return c.prefix + "gen:" + bucketID(k)
}

func (c *RedisCache) valueKey(k BucketKey) string {
	return c.prefix + "bucket:" + bucketID(k)
}

func bucketID(k BucketKey) string {
	return fmt.Sprintf("%s:%s:%d", k.ProjectID, k.Granularity, k.Start.UTC().Unix())
}

func (c *RedisCache) Lookup(ctx context.Context, keys []BucketKey) ([]CacheEntry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	genKeys := make([]string, len(keys))
	valueKeys := make([]string, len(keys))
	for i, k := range keys {
		genKeys[i] = c.genKey(k)
		valueKeys[i] = c.valueKey(k)
	}
	var gens, values *redis.SliceCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		gens = pipe.MGet(ctx, genKeys...)
		values = pipe.MGet(ctx, valueKeys...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]CacheEntry, len(keys))
	for i, k := range keys {
		k = normalizeKey(k)
		out[i] = CacheEntry{Key: k, Generation: parseGeneration(gens.Val()[i])}
		raw, ok := values.Val()[i].(string)
		if !ok {
			continue
		}
		var stored redisEntry
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			c.logger.Warn("discarding malformed cache entry", "key", valueKeys[i], "error", err)
			continue
		}
		if stored.Generation != out[i].Generation {
			continue
		}
		out[i].Bucket = &domain.AggregatedBucket{
			ProjectID:    k.ProjectID,
			Granularity:  k.Granularity,
			BucketStart:  k.Start,
			RequestCount: stored.RequestCount,
			ErrorCount:   stored.ErrorCount,
			P95LatencyMS: stored.P95LatencyMS,
		}
	}
	return out, nil
}

func parseGeneration(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (c *RedisCache) Store(ctx context.Context, entries []CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entry := range entries {
			if entry.Bucket == nil {
				continue
			}
			payload, err := json.Marshal(redisEntry{
				Generation:   entry.Generation,
				RequestCount: entry.Bucket.RequestCount,
				ErrorCount:   entry.Bucket.ErrorCount,
				P95LatencyMS: entry.Bucket.P95LatencyMS,
			})
			if err != nil {
				return err
			}
			pipe.Set(ctx, c.valueKey(entry.Key), payload, c.ttl)
		}
		return nil
	})
	return err
}

func (c *RedisCache) Invalidate(ctx context.Context, projectID string, ts time.Time) error {
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, g := range domain.Granularities {
			key := c.genKey(BucketKey{ProjectID: projectID, Granularity: g, Start: g.Truncate(ts)})
			pipe.Incr(ctx, key)
			// generations outlive entries so an expired counter cannot match an old value
			pipe.Expire(ctx, key, 2*c.ttl)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Ping reports whether Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
