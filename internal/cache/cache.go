// Package cache is the Redis layer shared by the API and workers: four
// namespaces (query, doi, canonical_record, extraction) holding JSON
// values with per-read hit accounting in a sibling hash. Every access
// emits an event so hit rates stay observable per namespace.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/magpielab/magpie/internal/types"
)

// Name identifies one cache namespace.
type Name string

// The four cache namespaces.
const (
	Query           Name = "query"
	DOI             Name = "doi"
	CanonicalRecord Name = "canonical_record"
	Extraction      Name = "extraction"
)

const (
	queryTTL     = 6 * time.Hour
	doiTTL       = 30 * 24 * time.Hour
	canonicalTTL = 30 * 24 * time.Hour

	defaultNamespace   = "magpie"
	defaultStaleWindow = 24 * time.Hour
)

// TTLFor returns the freshness lifetime of a namespace. Zero means
// entries never go stale; extraction keys carry the extractor version,
// so a new extractor simply misses instead of expiring old work.
func TTLFor(name Name) time.Duration {
	switch name {
	case Query:
		return queryTTL
	case DOI:
		return doiTTL
	case CanonicalRecord:
		return canonicalTTL
	}
	return 0
}

// EventSink receives one event per cache access. It must not block.
type EventSink func(types.CacheEvent)

// Option configures a Client.
type Option func(*Client)

// WithNamespace overrides the key prefix.
func WithNamespace(ns string) Option {
	return func(c *Client) {
		if ns != "" {
			c.ns = ns
		}
	}
}

// WithStaleWindow sets how long past freshness an entry remains
// readable for stale-tolerant callers. Zero keeps entries exactly to
// their lifetime.
func WithStaleWindow(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.staleFor = d
		}
	}
}

// WithEventSink registers the observability sink.
func WithEventSink(fn EventSink) Option {
	return func(c *Client) { c.onEvent = fn }
}

// Counters are cumulative access counts for one namespace since
// process start.
type Counters struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Writes      int64 `json:"writes"`
	StaleServed int64 `json:"stale_served"`
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
	stale  atomic.Int64
}

// Client wraps the Redis connection with namespace-aware reads and
// writes. Values are JSON blobs; a sibling hash per key carries
// hit_count, last_hit_at, written_at, and fresh_until.
type Client struct {
	rdb      *redis.Client
	ns       string
	staleFor time.Duration
	onEvent  EventSink
	flight   singleflight.Group
	stats    map[Name]*counters
}

// New connects to Redis and verifies connectivity.
func New(redisURL string, opts ...Option) (*Client, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	c := &Client{
		rdb:      redis.NewClient(ropts),
		ns:       defaultNamespace,
		staleFor: defaultStaleWindow,
		stats: map[Name]*counters{
			Query:           {},
			DOI:             {},
			CanonicalRecord: {},
			Extraction:      {},
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return c, nil
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) valueKey(name Name, key string) string {
	return c.ns + ":" + string(name) + ":" + key
}

func (c *Client) metaKey(name Name, key string) string {
	return c.valueKey(name, key) + ":meta"
}

// Get loads and decodes a value. A stale entry is still decoded into
// dest and flagged; it counts as a miss until a caller explicitly
// serves it via MarkStaleServed. Callers outside the inline enrichment
// path must treat stale as not found.
func (c *Client) Get(ctx context.Context, name Name, key string, dest any) (found, stale bool, err error) {
	data, err := c.rdb.Get(ctx, c.valueKey(name, key)).Bytes()
	if err == redis.Nil {
		c.record(name, key, types.CacheMiss)
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("cache get %s: %w", name, err)
	}

	now := time.Now().UTC()
	freshUntil, _ := c.rdb.HGet(ctx, c.metaKey(name, key), "fresh_until").Int64()
	stale = freshUntil > 0 && now.UnixMilli() > freshUntil

	// Hit accounting piggybacks on the read; a lost update here is
	// harmless.
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, c.metaKey(name, key), "hit_count", 1)
	pipe.HSet(ctx, c.metaKey(name, key), "last_hit_at", now.UnixMilli())
	pipe.Exec(ctx)

	if err := json.Unmarshal(data, dest); err != nil {
		return false, false, fmt.Errorf("cache decode %s: %w", name, err)
	}
	if stale {
		c.record(name, key, types.CacheMiss)
	} else {
		c.record(name, key, types.CacheHit)
	}
	return true, stale, nil
}

// Set writes a value with the namespace lifetime. Entries in expiring
// namespaces stay readable for the stale window past freshness.
func (c *Client) Set(ctx context.Context, name Name, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", name, err)
	}

	now := time.Now().UTC()
	ttl := TTLFor(name)
	var expiry time.Duration
	var freshUntil int64
	if ttl > 0 {
		expiry = ttl + c.staleFor
		freshUntil = now.Add(ttl).UnixMilli()
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, c.valueKey(name, key), payload, expiry)
	pipe.HSet(ctx, c.metaKey(name, key),
		"written_at", now.UnixMilli(),
		"fresh_until", freshUntil)
	if expiry > 0 {
		pipe.Expire(ctx, c.metaKey(name, key), expiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache set %s: %w", name, err)
	}
	c.record(name, key, types.CacheWrite)
	return nil
}

// Delete removes a value and its accounting hash.
func (c *Client) Delete(ctx context.Context, name Name, key string) error {
	if err := c.rdb.Del(ctx, c.valueKey(name, key), c.metaKey(name, key)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", name, err)
	}
	return nil
}

// MarkStaleServed records that a stale entry was actually served to a
// caller. Only the inline enrichment mode does this, and the response
// it builds carries the stale flag.
func (c *Client) MarkStaleServed(name Name, key string) {
	c.record(name, key, types.CacheStale)
}

func (c *Client) record(name Name, key string, kind types.CacheEventKind) {
	if s := c.stats[name]; s != nil {
		switch kind {
		case types.CacheHit:
			s.hits.Add(1)
		case types.CacheMiss:
			s.misses.Add(1)
		case types.CacheWrite:
			s.writes.Add(1)
		case types.CacheStale:
			s.stale.Add(1)
		}
	}
	if c.onEvent != nil {
		c.onEvent(types.CacheEvent{
			Cache: string(name),
			Key:   key,
			Kind:  kind,
			At:    time.Now().UTC(),
		})
	}
}

// Stats snapshots the cumulative counters per namespace.
func (c *Client) Stats() map[Name]Counters {
	out := make(map[Name]Counters, len(c.stats))
	for name, s := range c.stats {
		out[name] = Counters{
			Hits:        s.hits.Load(),
			Misses:      s.misses.Load(),
			Writes:      s.writes.Load(),
			StaleServed: s.stale.Load(),
		}
	}
	return out
}

// HitRate returns hits/(hits+misses) for one namespace, or 0 before
// any read.
func (c *Client) HitRate(name Name) float64 {
	s := c.stats[name]
	if s == nil {
		return 0
	}
	hits, misses := s.hits.Load(), s.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
