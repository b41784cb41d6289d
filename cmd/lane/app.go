package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/copp1723/lane-google-sub001/internal/assistant"
	"github.com/copp1723/lane-google-sub001/internal/cache"
	"github.com/copp1723/lane-google-sub001/internal/config"
	"github.com/copp1723/lane-google-sub001/internal/conversation"
	"github.com/copp1723/lane-google-sub001/internal/httpkit"
	"github.com/copp1723/lane-google-sub001/internal/invoke"
	"github.com/copp1723/lane-google-sub001/internal/kvstore"
	"github.com/copp1723/lane-google-sub001/internal/llm"
	"github.com/copp1723/lane-google-sub001/internal/ratelimit"
	"github.com/copp1723/lane-google-sub001/internal/usage"
)

// errNoProvider is returned by commands that need a chat endpoint when
// none is configured.
var errNoProvider = errors.New("no chat provider configured (set openai, anthropic or ollama in the config file)")

// app holds the services one command invocation needs. Everything is
// constructed explicitly in newApp and released by Close.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	local   *kvstore.MemoryBackend
	remote  *kvstore.RedisBackend // nil when no store address is configured
	store   *kvstore.Store
	cache   *cache.Cache
	limiter *ratelimit.Limiter

	conversations *conversation.Manager
	archive       *conversation.SQLiteArchive
	usage         *usage.Store

	multi     *llm.MultiClient // nil when no provider is configured
	assistant *assistant.Service

	closers []func() error
}

// loadConfig locates and parses the configuration file. With no explicit
// path and nothing found in the search paths, the defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newApp builds the store, conversation, usage and chat services from
// cfg. Background work (the local janitor) stops when ctx is done.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a.local = kvstore.NewMemoryBackend()
	if iv := cfg.Store.JanitorInterval.D(); iv > 0 {
		a.local.StartJanitor(ctx, iv, logger.With("component", "kvstore"))
	}

	var remote kvstore.Backend
	if cfg.Store.Addr != "" {
		a.remote = kvstore.NewRedisBackend(kvstore.RedisOptions{
			Addr:        cfg.Store.Addr,
			Username:    cfg.Store.Username,
			Password:    cfg.Store.Password,
			DB:          cfg.Store.DB,
			DialTimeout: cfg.Store.DialTimeout.D(),
		})
		remote = a.remote
		a.closers = append(a.closers, a.remote.Close)
	}
	a.store = kvstore.NewStore(kvstore.NewProbeStrategy(remote, a.local, cfg.Store.ProbeTimeout.D()), logger)
	a.cache = cache.New(a.store, cfg.Cache.Prefix, cfg.Cache.DefaultTTL.D())
	a.limiter = ratelimit.New(a.store, cfg.RateLimit.Prefix, logger.With("component", "ratelimit"))

	archive, err := conversation.OpenSQLiteArchive(filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open conversation archive: %w", err)
	}
	a.archive = archive
	a.closers = append(a.closers, archive.Close)

	a.conversations = conversation.NewManager(conversation.ManagerConfig{
		TokenBudget:   cfg.Context.TokenBudget,
		TokensPerWord: cfg.Context.TokensPerWord,
		Archive:       archive,
		Logger:        logger,
	})

	us, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	a.usage = us
	a.closers = append(a.closers, us.Close)

	a.multi = createLLMClient(cfg, logger)
	if a.multi == nil {
		return a, nil
	}

	var client llm.Client = a.multi
	if ttl := cfg.Cache.CompletionTTL.D(); ttl > 0 {
		client = llm.NewCachingClient(client, a.cache, ttl, logger)
	}

	var limiter assistant.Limiter
	rateLimit := 0
	if cfg.RateLimit.Enabled {
		limiter = a.limiter
		rateLimit = cfg.RateLimit.Limit
	}

	a.assistant = assistant.New(assistant.Config{
		Model:        cfg.Chat.DefaultModel,
		MaxTokens:    cfg.Chat.MaxTokens,
		Temperature:  cfg.Chat.Temperature,
		SystemPrompt: cfg.Chat.SystemPrompt,
		RateLimit:    rateLimit,
		RateWindow:   cfg.RateLimit.Window.D(),
		Retry: invoke.Policy{
			Name:        "chat",
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.D(),
			MaxDelay:    cfg.Retry.MaxDelay.D(),
		},
		Pricing: cfg.Pricing,
	}, assistant.Deps{
		Conversations: a.conversations,
		Client:        client,
		Limiter:       limiter,
		Usage:         a.usage,
		Logger:        logger,
	})
	return a, nil
}

// requireAssistant returns the chat service or errNoProvider.
func (a *app) requireAssistant() (*assistant.Service, error) {
	if a.assistant == nil {
		return nil, errNoProvider
	}
	return a.assistant, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// createLLMClient builds a multi-provider client from the configuration.
// Each configured provider is registered; listed models are mapped to
// their provider and anything else goes to the default model's provider.
// Returns nil when no provider is configured.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithLogger(logger.With("component", "http")),
	)

	providers := make(map[string]llm.Client)
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, logger,
			llm.WithBaseURL(cfg.OpenAI.BaseURL), llm.WithHTTPClient(httpClient))
	}
	if cfg.Anthropic.APIKey != "" {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger,
			llm.WithBaseURL(cfg.Anthropic.BaseURL), llm.WithHTTPClient(httpClient))
	}
	if cfg.Ollama.URL != "" {
		providers["ollama"] = llm.NewOllamaClient(cfg.Ollama.URL, logger, llm.WithHTTPClient(httpClient))
	}
	if len(providers) == 0 {
		return nil
	}

	defaultProvider := ""
	for _, m := range cfg.Models {
		if m.Name == cfg.Chat.DefaultModel {
			defaultProvider = m.Provider
		}
	}
	if _, ok := providers[defaultProvider]; !ok {
		for _, name := range config.KnownProviders {
			if _, ok := providers[name]; ok {
				defaultProvider = name
				break
			}
		}
	}

	multi := llm.NewMultiClient(providers[defaultProvider])
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("chat client initialized",
		"providers", multi.Providers(),
		"default_model", cfg.Chat.DefaultModel,
		"default_provider", defaultProvider,
	)
	return multi
}
