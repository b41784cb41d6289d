package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/copp1723/lane-google-sub001/internal/invoke"
)

// MultiClient routes requests to the appropriate provider based on model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client            // default client for unknown models; may be nil
}

// NewMultiClient creates a client that routes to multiple providers.
// Models with no mapping go to fallback; with a nil fallback they are
// rejected.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.clients))
	for n := range m.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Provider returns the client registered under name.
func (m *MultiClient) Provider(name string) (Client, bool) {
	c, ok := m.clients[name]
	return c, ok
}

// clientFor returns the client for a model, or a validation error. An
// unroutable model is a caller mistake and must not be retried.
func (m *MultiClient) clientFor(model string) (Client, error) {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, nil
		}
		return nil, &invoke.ValidationError{
			Field:  "model",
			Reason: fmt.Sprintf("model %q maps to unconfigured provider %q", model, provider),
		}
	}
	if m.fallback != nil {
		return m.fallback, nil
	}
	return nil, &invoke.ValidationError{
		Field:  "model",
		Reason: fmt.Sprintf("no provider configured for model %q", model),
	}
}

// Complete sends the request to the provider serving req.Model.
func (m *MultiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	client, err := m.clientFor(req.Model)
	if err != nil {
		return nil, err
	}
	return client.Complete(ctx, req)
}

// Ping checks every registered provider and the fallback, joining any
// failures.
func (m *MultiClient) Ping(ctx context.Context) error {
	var errs []error
	for _, name := range m.Providers() {
		if err := m.clients[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(m.clients) == 0 {
		if m.fallback == nil {
			return errors.New("no providers configured")
		}
		return m.fallback.Ping(ctx)
	}
	return errors.Join(errs...)
}
