package llm

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/copp1723/lane-google-sub001/internal/cache"
)

// completionKeyPrefix namespaces cached completions inside the cache.
const completionKeyPrefix = "completion:"

// CachingClient serves deterministic requests (temperature 0) from a
// cache and stores fresh responses for them. Other requests pass
// through. Cache failures fall back to a live call.
type CachingClient struct {
	next   Client
	cache  *cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachingClient wraps next. A ttl <= 0 uses the cache's default TTL.
func NewCachingClient(next Client, c *cache.Cache, ttl time.Duration, logger *slog.Logger) *CachingClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingClient{next: next, cache: c, ttl: ttl, logger: logger.With("component", "completion_cache")}
}

// Complete implements Client.
func (c *CachingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Temperature != 0 {
		return c.next.Complete(ctx, req)
	}

	key := CompletionKey(req)
	var cached Response
	ok, err := c.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		c.logger.Warn("completion cache read failed", "key", key, "error", err)
	}
	if ok {
		c.logger.Debug("completion cache hit", "key", key, "model", req.Model)
		cached.Cached = true
		return &cached, nil
	}

	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetJSON(ctx, key, resp, c.ttl); err != nil {
		c.logger.Warn("completion cache write failed", "key", key, "error", err)
	}
	return resp, nil
}

// Ping implements Client.
func (c *CachingClient) Ping(ctx context.Context) error {
	return c.next.Ping(ctx)
}

// CompletionKey returns the cache key for a request: an xxhash64 over the
// model, max tokens, temperature and every message field, with length
// prefixes so adjacent fields cannot run together.
func CompletionKey(req Request) string {
	d := xxhash.New()
	var buf [8]byte

	writeStr := func(s string) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
		_, _ = d.Write(buf[:])
		_, _ = d.WriteString(s)
	}
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}

	writeStr(req.Model)
	writeU64(uint64(req.MaxTokens))
	writeU64(math.Float64bits(req.Temperature))
	writeU64(uint64(len(req.Messages)))
	for _, m := range req.Messages {
		writeStr(m.Role)
		writeStr(m.Name)
		writeStr(m.Content)
	}

	return completionKeyPrefix + strconv.FormatUint(d.Sum64(), 16)
}
