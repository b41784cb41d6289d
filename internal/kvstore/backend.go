// Package kvstore provides the key-value abstraction behind caching and
// rate limiting. A [Store] prefers a shared remote backend (Redis) and
// falls back, per call, to a process-local [MemoryBackend] when the remote
// is unreachable or an operation on it fails.
//
// Under fallback, state is only consistent within one process: rate
// limits and cached values are not shared across instances until the
// remote recovers. Entries written locally during an outage are not
// migrated to the remote.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable reports that the remote backend failed its liveness
// probe or is not configured. [Store] absorbs it by falling back; it is
// only visible to code that drives a [Strategy] directly.
var ErrStoreUnavailable = errors.New("kvstore: remote store unavailable")

// ErrNotInteger is returned by IncrementWithExpiry when the existing value
// is not an integer.
var ErrNotInteger = errors.New("kvstore: value is not an integer")

// Backend is one concrete key-value store. Implementations must be safe
// for concurrent use.
type Backend interface {
	// Name identifies the backend in logs ("redis", "memory").
	Name() string

	// Ping is the liveness probe.
	Ping(ctx context.Context) error

	// Get returns the value and true, or "" and false if the key is absent
	// or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key. A ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrementWithExpiry atomically increments the integer at key
	// (missing keys start at 0) and returns the new value. The ttl is
	// applied only when the increment created the key (new value 1).
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ScanDelete removes every key matching pattern and returns how many
	// were removed. Pattern semantics are backend-specific; see each
	// implementation.
	ScanDelete(ctx context.Context, pattern string) (int, error)
}
