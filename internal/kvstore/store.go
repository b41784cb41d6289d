package kvstore

import (
	"context"
	"log/slog"
	"time"
)

// Store runs each operation on the backend chosen by its [Strategy],
// falling back to the local backend when the remote is unavailable or the
// remote operation fails. Callers never see ErrStoreUnavailable; they only
// see errors from the local backend, which in practice does not fail.
type Store struct {
	strategy Strategy
	logger   *slog.Logger
}

// NewStore creates a store. A nil logger uses slog.Default.
func NewStore(strategy Strategy, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{strategy: strategy, logger: logger}
}

// run executes fn on the remote if usable, else on local.
func run[T any](ctx context.Context, s *Store, op, key string, fn func(Backend) (T, error)) (T, error) {
	remote, err := s.strategy.TryRemote(ctx)
	if err == nil {
		v, opErr := fn(remote)
		if opErr == nil {
			return v, nil
		}
		err = opErr
	}

	local := s.strategy.UseLocal()
	s.logger.Warn("remote store unavailable, using local backend",
		"op", op,
		"key", key,
		"backend", local.Name(),
		"error", err,
	)
	return fn(local)
}

// Get returns the value stored under key and whether it was present.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	type result struct {
		v  string
		ok bool
	}
	r, err := run(ctx, s, "get", key, func(b Backend) (result, error) {
		v, ok, err := b.Get(ctx, key)
		return result{v, ok}, err
	})
	return r.v, r.ok, err
}

// Set stores value under key. A ttl <= 0 stores without expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := run(ctx, s, "set", key, func(b Backend) (struct{}, error) {
		return struct{}{}, b.Set(ctx, key, value, ttl)
	})
	return err
}

// IncrementWithExpiry increments the counter at key, arming ttl when the
// counter is created.
func (s *Store) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return run(ctx, s, "incr", key, func(b Backend) (int64, error) {
		return b.IncrementWithExpiry(ctx, key, ttl)
	})
}

// Delete removes key. When the remote is reachable the local copy is
// removed too, since it may hold a value written during an outage.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := run(ctx, s, "delete", key, func(b Backend) (struct{}, error) {
		if err := b.Delete(ctx, key); err != nil {
			return struct{}{}, err
		}
		if local := s.strategy.UseLocal(); local != b {
			if err := local.Delete(ctx, key); err != nil {
				s.logger.Debug("local delete failed", "key", key, "error", err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

// ScanDelete removes keys matching pattern and returns the number removed.
// When the remote is reachable both backends are cleared and the counts
// summed. Remote matching is a full glob; local matching is substring
// based (see [MemoryBackend.ScanDelete]).
func (s *Store) ScanDelete(ctx context.Context, pattern string) (int, error) {
	return run(ctx, s, "scan_delete", pattern, func(b Backend) (int, error) {
		n, err := b.ScanDelete(ctx, pattern)
		if err != nil {
			return n, err
		}
		if local := s.strategy.UseLocal(); local != b {
			ln, err := local.ScanDelete(ctx, pattern)
			if err != nil {
				s.logger.Debug("local scan delete failed", "pattern", pattern, "error", err)
			}
			n += ln
		}
		return n, nil
	})
}

// Active reports the name of the backend the next call would use, and the
// probe error when that is the local fallback.
func (s *Store) Active(ctx context.Context) (string, error) {
	remote, err := s.strategy.TryRemote(ctx)
	if err != nil {
		return s.strategy.UseLocal().Name(), err
	}
	return remote.Name(), nil
}

// Ping reports whether the remote is reachable. It satisfies the
// connwatch probe signature.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.strategy.TryRemote(ctx)
	return err
}
