package llm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// MultiClient routes each request to the provider that serves the
// requested model. Models with no mapping, or mapped to a provider that
// was never registered, go to the fallback.
type MultiClient struct {
	mu       sync.RWMutex
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client
}

// NewMultiClient creates a router whose unmapped models use fallback.
// fallback may be nil, in which case unmapped models fail.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[modelName] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Provider returns the client registered under name.
func (m *MultiClient) Provider(name string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// route picks the client for model.
func (m *MultiClient) route(model string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if provider, ok := m.models[model]; ok {
		if c, ok := m.clients[provider]; ok {
			return c, nil
		}
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, nil
}

// Chat sends a request to the provider for model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	c, err := m.route(model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, model, messages, tools)
}

// ChatStream sends a streaming request to the provider for model.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	c, err := m.route(model)
	if err != nil {
		return nil, err
	}
	return c.ChatStream(ctx, model, messages, tools, callback)
}

// Ping checks the fallback provider. Per-provider health is the job of
// the backend watchers, which ping each [MultiClient.Provider] directly.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil {
		return errors.New("no fallback provider configured")
	}
	return m.fallback.Ping(ctx)
}
