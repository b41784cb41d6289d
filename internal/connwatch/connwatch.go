// Package connwatch monitors lane's external dependencies (the remote
// key-value store and the chat endpoints) and reports their health.
//
// A Watcher probes one dependency in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s), logging transitions
//
// Watcher state is diagnostic. The key-value store makes its own
// per-operation backend decision and never consults a watcher.
package connwatch

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/copp1723/lane-google-sub001/internal/invoke"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the startup backoff and polling cadence.
type BackoffConfig struct {
	// InitialDelay is the delay before the second startup probe (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed probe (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of startup probes (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped) with
// 10 startup probes and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Target names a dependency and how to probe it.
type Target struct {
	Name  string
	Probe ProbeFunc
}

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	Target

	Backoff BackoffConfig

	// OnChange is called on every ready/not-ready transition, including
	// the first successful probe. err is nil when ready. Called on its own
	// goroutine. Optional.
	OnChange func(ready bool, err error)

	// Logger uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of one dependency.
type ServiceStatus struct {
	Name      string        `json:"name"`
	Ready     bool          `json:"ready"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency"`
	Failures  int           `json:"consecutive_failures"`
	LastError string        `json:"last_error,omitempty"`
}

// Watcher monitors one dependency.
type Watcher struct {
	config WatcherConfig
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	lastErr  error
	last     time.Time
	latency  time.Duration
	failures int
}

// IsReady reports whether the dependency answered its last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.last,
		Latency:   w.latency,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("dependency connected", "after_attempts", attempt)
			w.transition(true, nil)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == cfg.MaxRetries {
			w.logger.Warn("dependency unreachable at startup, polling in background",
				"attempts", attempt,
				"error", err,
			)
			break
		}

		w.logger.Debug("startup probe failed",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay,
			"error", err,
		)
		if invoke.SleepContext(ctx, delay) != nil {
			return
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		wasReady := w.ready.Load()
		switch {
		case wasReady && err != nil:
			w.logger.Warn("dependency became unreachable", "error", err)
			w.transition(false, err)
		case !wasReady && err == nil:
			w.logger.Info("dependency recovered")
			w.transition(true, nil)
		case err != nil:
			w.logger.Debug("dependency still unreachable", "error", err)
		}
	}
}

func (w *Watcher) transition(ready bool, err error) {
	w.ready.Store(ready)
	if w.config.OnChange != nil {
		go w.config.OnChange(ready, err)
	}
}

// check runs one probe under the probe timeout and records the result.
func (w *Watcher) check(ctx context.Context) error {
	st := probe(ctx, w.config.Target, w.config.Backoff.ProbeTimeout)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = st.LastCheck
	w.latency = st.Latency
	if st.Ready {
		w.lastErr = nil
		w.failures = 0
		return nil
	}
	w.lastErr = st.err
	w.failures++
	return st.err
}

type probeResult struct {
	ServiceStatus
	err error
}

func probe(ctx context.Context, t Target, timeout time.Duration) probeResult {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := t.Probe(probeCtx)
	r := probeResult{
		ServiceStatus: ServiceStatus{
			Name:      t.Name,
			Ready:     err == nil,
			LastCheck: start,
			Latency:   time.Since(start),
		},
		err: err,
	}
	if err != nil {
		r.LastError = err.Error()
		r.Failures = 1
	}
	return r
}

// Check probes every target once, concurrently, and returns their status
// sorted by name. It is the one-shot counterpart of a Manager.
func Check(ctx context.Context, timeout time.Duration, targets ...Target) []ServiceStatus {
	if timeout <= 0 {
		timeout = DefaultBackoffConfig().ProbeTimeout
	}

	out := make([]ServiceStatus, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = probe(ctx, t, timeout).ServiceStatus
		}()
	}
	wg.Wait()

	slices.SortFunc(out, byName)
	return out
}

func byName(a, b ServiceStatus) int { return cmp.Compare(a.Name, b.Name) }

// Manager coordinates the watchers of one process.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch registers and starts a watcher that runs until ctx is cancelled
// or Stop is called. Zero-value backoff fields take their defaults.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		logger: logger.With("dependency", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.watchers[cfg.Name]; ok {
		defer old.Stop()
	}
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched dependency, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	slices.SortFunc(out, byName)
	return out
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
