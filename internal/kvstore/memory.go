package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryBackend is the process-local fallback backend. Expiry is lazy
// (checked on access); StartJanitor adds a periodic sweep so abandoned
// keys do not accumulate.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

// NewMemoryBackend creates an empty local backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// Ping implements Backend. The local backend is always reachable.
func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements Backend.
func (m *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// IncrementWithExpiry implements Backend. Values are stored as decimal
// strings, matching Redis INCR semantics, so a counter can be read back
// with Get.
func (m *MemoryBackend) IncrementWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if ok && e.expired(now) {
		ok = false
	}

	var n int64
	if ok {
		cur, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("increment %s: %w", key, ErrNotInteger)
		}
		n = cur + 1
	} else {
		n = 1
		e = memEntry{}
	}

	e.value = strconv.FormatInt(n, 10)
	if n == 1 {
		e.expiresAt = time.Time{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
	}
	m.entries[key] = e
	return n, nil
}

// ScanDelete implements Backend using substring matching: every '*' is
// stripped from pattern and any key containing the remainder is removed.
// This is weaker than the remote glob ("a*b" matches any key containing
// "ab", and '?' or character classes are taken literally). An empty
// remainder matches every key.
func (m *MemoryBackend) ScanDelete(_ context.Context, pattern string) (int, error) {
	needle := strings.ReplaceAll(pattern, "*", "")

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k := range m.entries {
		if strings.Contains(k, needle) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, including expired entries not
// yet swept.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (m *MemoryBackend) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps expired entries every interval until ctx is done.
// The returned channel is closed when the janitor goroutine exits.
func (m *MemoryBackend) StartJanitor(ctx context.Context, interval time.Duration, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					logger.Debug("swept expired local entries", "removed", n)
				}
			}
		}
	}()
	return done
}
