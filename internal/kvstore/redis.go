package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiry increments KEYS[1] and sets a millisecond TTL only when
// the increment created the key. Running INCR and PEXPIRE in one script
// keeps a crash between them from leaving an immortal counter.
var incrWithExpiry = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// scanBatch is the SCAN COUNT hint and the DEL batch size.
const scanBatch = 100

// RedisBackend is the shared remote backend.
type RedisBackend struct {
	client redis.UniversalClient
}

// RedisOptions configures NewRedisBackend.
type RedisOptions struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// NewRedisBackend creates a backend for a single Redis endpoint. No
// connection is made until the first command.
func NewRedisBackend(opts RedisOptions) *RedisBackend {
	return NewRedisBackendFromClient(redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Username:    opts.Username,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
		// Fail fast: the store falls back locally instead of waiting.
		MaxRetries: -1,
	}))
}

// NewRedisBackendFromClient wraps an existing client (cluster, sentinel,
// or a test client).
func NewRedisBackendFromClient(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Close releases the underlying connection pool.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// Name implements Backend.
func (r *RedisBackend) Name() string { return "redis" }

// Ping implements Backend.
func (r *RedisBackend) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

// Set implements Backend.
func (r *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// IncrementWithExpiry implements Backend.
func (r *RedisBackend) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrWithExpiry.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

// ScanDelete implements Backend with full Redis glob semantics
// (SCAN MATCH). Keys are deleted in batches as the cursor advances, so a
// concurrent writer may add matching keys that survive.
func (r *RedisBackend) ScanDelete(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del batch: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
