// Package metacache implements a pluggable metadata cache for the Upload
// Coordinator: a best-effort KV store mapping an upload id to the resolved
// (Upload, multipart UploadId, tus-version) tuple. The default backend is
// an in-process map; RedisCache lets multiple Coordinator instances behind
// a load balancer share cache state.
//
// Correctness of the Coordinator never depends on a cache hit: every method
// here is advisory, and every miss simply falls back to re-fetching the info
// object from S3.
package metacache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atticoos/s3store-go/pkg/upload"
)

// Entry is the cached tuple for a single upload id.
type Entry struct {
	Upload      upload.Upload `json:"upload"`
	MultipartID string        `json:"multipartId"`
	TusVersion  string        `json:"tusVersion"`
}

// KV is the interface the Coordinator's cache field is built against.
type KV interface {
	// Get returns the cached entry for id, if present.
	Get(ctx context.Context, id string) (Entry, bool)
	// Set stores entry under id.
	Set(ctx context.Context, id string, entry Entry)
	// Delete removes any cached entry for id. It is a no-op if absent.
	Delete(ctx context.Context, id string)
}

// InMemory is a concurrency-safe, unbounded in-process KV.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewInMemory returns an empty in-process cache.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]Entry)}
}

func (c *InMemory) Get(_ context.Context, id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	return entry, ok
}

func (c *InMemory) Set(_ context.Context, id string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = entry
}

func (c *InMemory) Delete(_ context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// RedisCache stores entries in Redis so that multiple Coordinator processes
// share cache state. Misses and marshalling failures behave like a cache
// miss rather than surfacing an error, since callers always fall back to
// fetching the info object from the object store.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisCacheOption configures a RedisCache.
type RedisCacheOption func(*RedisCache)

// WithKeyPrefix namespaces every cache key, useful when several stores share
// one Redis instance.
func WithKeyPrefix(prefix string) RedisCacheOption {
	return func(c *RedisCache) { c.prefix = prefix }
}

// WithTTL bounds how long an entry survives without being refreshed. Zero
// (the default) means entries never expire on their own; they are still
// explicitly deleted on Remove/completion via Delete.
func WithTTL(ttl time.Duration) RedisCacheOption {
	return func(c *RedisCache) { c.ttl = ttl }
}

// NewRedisCache builds a RedisCache on top of an already-constructed client.
func NewRedisCache(client redis.UniversalClient, opts ...RedisCacheOption) *RedisCache {
	c := &RedisCache{client: client}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRedisCacheFromURL parses uri (e.g. "redis://localhost:6379/0") and
// constructs a RedisCache from it.
func NewRedisCacheFromURL(uri string, opts ...RedisCacheOption) (*RedisCache, error) {
	options, err := redis.ParseURL(uri)
	if err != nil {
		return nil, err
	}
	return NewRedisCache(redis.NewClient(options), opts...), nil
}

func (c *RedisCache) key(id string) string {
	return c.prefix + id
}

func (c *RedisCache) Get(ctx context.Context, id string) (Entry, bool) {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}

func (c *RedisCache) Set(ctx context.Context, id string, entry Entry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.key(id), raw, c.ttl)
}

func (c *RedisCache) Delete(ctx context.Context, id string) {
	c.client.Del(ctx, c.key(id))
}
