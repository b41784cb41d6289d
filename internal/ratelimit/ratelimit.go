// Package ratelimit implements fixed-window request limiting on top of a
// shared counter store.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPrefix namespaces limiter keys in the store.
const DefaultPrefix = "ratelimit:"

// Counter is the store capability a Limiter needs.
// [kvstore.Store] satisfies it.
type Counter interface {
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter admits at most limit calls per key per window. The window
// starts on the first call for a key and is not extended by later calls.
type Limiter struct {
	store  Counter
	prefix string
	logger *slog.Logger
}

// New creates a limiter. An empty prefix uses DefaultPrefix.
func New(store Counter, prefix string, logger *slog.Logger) *Limiter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, prefix: prefix, logger: logger}
}

// IsAllowed records one call for key and reports whether it is within
// limit for the current window. If the store fails, the call is allowed.
func (l *Limiter) IsAllowed(ctx context.Context, key string, limit int, window time.Duration) bool {
	n, err := l.store.IncrementWithExpiry(ctx, l.prefix+key, window)
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request",
			"key", key, "error", err)
		return true
	}
	allowed := n <= int64(limit)
	if !allowed {
		l.logger.Debug("rate limit exceeded",
			"key", key, "count", n, "limit", limit, "window", window)
	}
	return allowed
}
