// Package config handles lane configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./lane.yaml, ~/.config/lane/lane.yaml, /etc/lane/lane.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"lane.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lane", "lane.yaml"))
	}

	paths = append(paths, "/etc/lane/lane.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Duration is a time.Duration that decodes from Go duration strings
// ("750ms", "2s", "1m") in both YAML and TOML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config holds all lane configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level" toml:"log_level"`
	LogFormat string          `yaml:"log_format" toml:"log_format"` // text or json
	DataDir   string          `yaml:"data_dir" toml:"data_dir"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Context   ContextConfig   `yaml:"context" toml:"context"`
	Retry     RetryConfig     `yaml:"retry" toml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat"`
	OpenAI    OpenAIConfig    `yaml:"openai" toml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic" toml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama" toml:"ollama"`
	Models    []ModelConfig   `yaml:"models" toml:"models"`

	// Pricing maps model names to per-million-token costs. Models absent
	// from the table are recorded with zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing" toml:"pricing"`
}

// StoreConfig defines the shared remote key-value store. An empty Addr
// runs lane on the local in-process backend only.
type StoreConfig struct {
	Addr         string   `yaml:"addr" toml:"addr"`
	Username     string   `yaml:"username" toml:"username"`
	Password     string   `yaml:"password" toml:"password"`
	DB           int      `yaml:"db" toml:"db"`
	DialTimeout  Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	ProbeTimeout Duration `yaml:"probe_timeout" toml:"probe_timeout"`

	// JanitorInterval controls how often the local backend sweeps
	// expired entries. Zero disables the sweep (expiry stays lazy).
	JanitorInterval Duration `yaml:"janitor_interval" toml:"janitor_interval"`
}

// ContextConfig controls conversation history retention.
type ContextConfig struct {
	TokenBudget   int     `yaml:"token_budget" toml:"token_budget"`
	TokensPerWord float64 `yaml:"tokens_per_word" toml:"tokens_per_word"`
}

// RetryConfig controls the invocation retry policy for chat calls.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay" toml:"max_delay"` // 0 = uncapped
}

// RateLimitConfig defines the per-conversation fixed window.
type RateLimitConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Prefix  string   `yaml:"prefix" toml:"prefix"`
	Limit   int      `yaml:"limit" toml:"limit"`
	Window  Duration `yaml:"window" toml:"window"`
}

// CacheConfig defines the generic cache and completion caching.
type CacheConfig struct {
	Prefix     string   `yaml:"prefix" toml:"prefix"`
	DefaultTTL Duration `yaml:"default_ttl" toml:"default_ttl"`

	// CompletionTTL enables caching of deterministic (temperature 0)
	// completions when positive.
	CompletionTTL Duration `yaml:"completion_ttl" toml:"completion_ttl"`
}

// ChatConfig defines request defaults for the chat endpoint.
type ChatConfig struct {
	DefaultModel string  `yaml:"default_model" toml:"default_model"`
	MaxTokens    int     `yaml:"max_tokens" toml:"max_tokens"`
	Temperature  float64 `yaml:"temperature" toml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt" toml:"system_prompt"`
}

// OpenAIConfig defines an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" toml:"api_key"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key" toml:"api_key"`
	BaseURL string `yaml:"base_url" toml:"base_url"` // empty uses the public API
}

// OllamaConfig defines a local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url" toml:"url"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Provider string `yaml:"provider" toml:"provider"` // openai, anthropic, ollama
}

// PricingEntry holds per-million-token costs for a model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million" toml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" toml:"output_per_million"`
}

// KnownProviders lists the provider names accepted in ModelConfig.
var KnownProviders = []string{"openai", "anthropic", "ollama"}

// Load reads configuration from a YAML or TOML file, chosen by extension
// (.toml is TOML, anything else YAML). Environment variables are expanded
// before decoding and unset fields keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		DataDir:   "./data",
		Store: StoreConfig{
			DialTimeout:     Duration(2 * time.Second),
			ProbeTimeout:    Duration(250 * time.Millisecond),
			JanitorInterval: Duration(time.Minute),
		},
		Context: ContextConfig{
			TokenBudget:   4000,
			TokensPerWord: 1.3,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration(time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Prefix:  "ratelimit:",
			Limit:   30,
			Window:  Duration(time.Minute),
		},
		Cache: CacheConfig{
			Prefix:     "cache:",
			DefaultTTL: Duration(5 * time.Minute),
		},
		Chat: ChatConfig{
			DefaultModel: "gpt-4o-mini",
			MaxTokens:    1024,
			Temperature:  0.7,
		},
	}
}

// Validate checks invariants the rest of the program relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.Context.TokenBudget <= 0 {
		errs = append(errs, fmt.Errorf("context.token_budget must be positive, got %d", c.Context.TokenBudget))
	}
	if c.Context.TokensPerWord <= 0 {
		errs = append(errs, fmt.Errorf("context.tokens_per_word must be positive, got %v", c.Context.TokensPerWord))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay < 0 {
		errs = append(errs, errors.New("retry.base_delay must not be negative"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate_limit.limit and rate_limit.window must be positive when enabled"))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for _, m := range c.Models {
		if m.Name == "" {
			errs = append(errs, errors.New("models: entry with empty name"))
			continue
		}
		if !isKnownProvider(m.Provider) {
			errs = append(errs, fmt.Errorf("models: %s: unknown provider %q (valid: %s)",
				m.Name, m.Provider, strings.Join(KnownProviders, ", ")))
		}
	}
	return errors.Join(errs...)
}

func isKnownProvider(p string) bool {
	for _, k := range KnownProviders {
		if p == k {
			return true
		}
	}
	return false
}
