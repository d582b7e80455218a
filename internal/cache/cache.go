// Package cache is a cache-aside layer over a key-value store with TTL
// tiers. A nil or unreachable backend degrades every operation to a no-op.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const KeyPrefix = "opp"

// TTL tiers by namespace.
const (
	TTLSearch     = 5 * time.Minute
	TTLStats      = 10 * time.Minute
	TTLSources    = 30 * time.Minute
	TTLDetail     = 15 * time.Minute
	TTLEmbeddings = time.Hour
)

// Namespaces.
const (
	NSSearch     = "search"
	NSStats      = "stats"
	NSSources    = "sources"
	NSDetail     = "detail"
	NSEmbeddings = "embeddings"
	NSList       = "list"
)

// Backend is the key-value/counter store behind the cache.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix and returns the count.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Incr increments key, starting a ttl window when the key is new, and
	// returns the new count and the time left in the window.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
	Count(ctx context.Context, key string) (int64, time.Duration, error)
	Size(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Stats describes backend health for /health.
type Stats struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Backend   string `json:"backend"`
	Keys      int64  `json:"keys"`
}

type Cache struct {
	backend Backend
	name    string
	log     logrus.FieldLogger

	writeTimeout time.Duration
	pending      sync.WaitGroup
}

// New wraps backend. A nil backend yields a disabled cache.
func New(backend Backend, name string, logger logrus.FieldLogger) *Cache {
	return &Cache{
		backend:      backend,
		name:         name,
		log:          logger.WithField("component", "cache"),
		writeTimeout: 2 * time.Second,
	}
}

// Enabled reports whether a backend is configured.
func (c *Cache) Enabled() bool {
	return c != nil && c.backend != nil
}

// Backend exposes the underlying store, nil when disabled.
func (c *Cache) Backend() Backend {
	if c == nil {
		return nil
	}
	return c.backend
}

// GenerateKey builds opp:{prefix}:{k:v|...} from params sorted by key,
// omitting nil values. With no params left the suffix is "default".
func GenerateKey(prefix string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	values := make(map[string]string, len(params))
	for k, v := range params {
		s, ok := keyValue(v)
		if !ok {
			continue
		}
		keys = append(keys, k)
		values[k] = s
	}
	if len(keys) == 0 {
		return fmt.Sprintf("%s:%s:default", KeyPrefix, prefix)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+values[k])
	}
	return fmt.Sprintf("%s:%s:%s", KeyPrefix, prefix, strings.Join(parts, "|"))
}

func keyValue(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}
	return fmt.Sprint(rv.Interface()), true
}

// Get decodes a cached value into dest. Misses and errors return false.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if !c.Enabled() {
		return false
	}
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache get failed")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache entry undecodable")
		return false
	}
	return true
}

// Set stores value in the background. Failures are logged and dropped.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache value not encodable")
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		defer cancel()
		if err := c.backend.Set(writeCtx, key, data, ttl); err != nil {
			c.log.WithError(err).WithField("key", key).Warn("cache set failed")
		}
	}()
}

// Wait blocks until background writes have finished.
func (c *Cache) Wait() {
	if c != nil {
		c.pending.Wait()
	}
}

// Delete removes keys. Errors are logged.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if !c.Enabled() || len(keys) == 0 {
		return
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.log.WithError(err).Warn("cache delete failed")
	}
}

// InvalidateNamespace deletes every key under opp:{namespace}:.
func (c *Cache) InvalidateNamespace(ctx context.Context, namespace string) int {
	if !c.Enabled() {
		return 0
	}
	n, err := c.backend.DeletePrefix(ctx, fmt.Sprintf("%s:%s:", KeyPrefix, namespace))
	if err != nil {
		c.log.WithError(err).WithField("namespace", namespace).Warn("cache invalidation failed")
		return 0
	}
	return n
}

// Stats reports backend connectivity and key count.
func (c *Cache) Stats(ctx context.Context) Stats {
	if !c.Enabled() {
		return Stats{Backend: "none"}
	}
	st := Stats{Enabled: true, Backend: c.name}
	if err := c.backend.Ping(ctx); err != nil {
		return st
	}
	st.Connected = true
	if n, err := c.backend.Size(ctx); err == nil {
		st.Keys = n
	}
	return st
}

// Close releases the backend.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	c.Wait()
	return c.backend.Close()
}

// WithCache returns the cached value for key, or computes, stores and
// returns it. The bool reports a cache hit.
func WithCache[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, bool, error) {
	var cached T
	if c.Get(ctx, key, &cached) {
		return cached, true, nil
	}
	value, err := compute(ctx)
	if err != nil {
		return value, false, err
	}
	c.Set(ctx, key, value, ttl)
	return value, false, nil
}
