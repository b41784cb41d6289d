// Package cache is a namespaced string cache with TTLs over a key-value
// store, plus JSON helpers for structured values.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultPrefix namespaces cache keys in the store.
const DefaultPrefix = "cache:"

// Store is the key-value capability the cache needs.
// [kvstore.Store] satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	ScanDelete(ctx context.Context, pattern string) (int, error)
}

// Cache stores values under prefix+key.
type Cache struct {
	store      Store
	prefix     string
	defaultTTL time.Duration
}

// New creates a cache. An empty prefix uses DefaultPrefix; defaultTTL
// applies to Set calls with a non-positive ttl.
func New(store Store, prefix string, defaultTTL time.Duration) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{store: store, prefix: prefix, defaultTTL: defaultTTL}
}

// Get returns the cached value and whether it was present.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	return c.store.Get(ctx, c.prefix+key)
}

// Set caches value. A ttl <= 0 uses the default TTL.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	return c.store.Set(ctx, c.prefix+key, value, ttl)
}

// Delete removes one cached value.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.prefix+key)
}

// Invalidate removes cached values whose key (without prefix) matches
// pattern, and returns how many were removed. "*" clears the namespace.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	return c.store.ScanDelete(ctx, c.prefix+pattern)
}

// GetJSON decodes a cached JSON value into v. It reports false without
// error on a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v as JSON and caches it.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, string(raw), ttl)
}
