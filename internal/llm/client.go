// Package llm provides chat-completion clients for the providers lane
// talks to. Clients make exactly one HTTP attempt per call; retries are
// the caller's concern (see the invoke package). Provider failures are
// returned as *APIError so they can be classified.
package llm

import (
	"context"
	"net/http"
)

// Client is the interface that all chat providers implement.
type Client interface {
	// Complete sends a non-streaming chat completion request.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Ping checks if the provider is reachable and the credentials work.
	Ping(ctx context.Context) error
}

// Message is one chat message sent to a provider.
type Message struct {
	Role    string `json:"role"` // system, user, assistant, function
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

// Usage reports token counts for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the provider-neutral completion result.
type Response struct {
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`

	// Provider is set by the client that served the request.
	Provider string `json:"provider"`

	// Cached is true when the response came from a completion cache.
	Cached bool `json:"-"`
}

// DefaultMaxTokens is used when a request leaves MaxTokens unset and the
// provider requires a value.
const DefaultMaxTokens = 1024

// Option configures the HTTP side of a provider client.
type Option func(*clientOptions)

type clientOptions struct {
	baseURL    string
	httpClient *http.Client
}

// WithBaseURL overrides the provider endpoint. An empty u keeps the
// provider default.
func WithBaseURL(u string) Option {
	return func(o *clientOptions) {
		if u != "" {
			o.baseURL = u
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

func applyOptions(defaultURL string, opts []Option) clientOptions {
	o := clientOptions{baseURL: defaultURL}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
