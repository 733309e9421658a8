package core

import (
	"context"

	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

// Provider is the interface that all LLM providers must implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "gemini").
	Name() string

	// StreamMessage sends a streaming request.
	StreamMessage(ctx context.Context, req *types.MessageRequest) (EventStream, error)
}

// EventStream is an iterator over streaming events.
type EventStream interface {
	// Next returns the next event. Returns nil, io.EOF when done.
	// If both an event and io.EOF are returned, consumers should process the event first.
	Next() (types.StreamEvent, error)

	// Close releases resources.
	Close() error
}

// ProviderRegistry maps provider names to constructed providers.
type ProviderRegistry struct {
	providers map[string]Provider
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

func (r *ProviderRegistry) Register(p Provider) {
	r.providers[p.Name()] = p
}

func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Resolve splits "provider/model" and returns the registered provider together
// with the bare model name.
func (r *ProviderRegistry) Resolve(model string) (Provider, string, error) {
	name, bare, err := ParseModel(model)
	if err != nil {
		return nil, "", err
	}
	p, ok := r.Get(name)
	if !ok {
		return nil, "", NewInvalidRequestErrorWithParam("provider "+name+" is not configured", "model")
	}
	return p, bare, nil
}

// ParseModel splits a "provider/model" identifier.
func ParseModel(model string) (provider, name string, err error) {
	for i := 0; i < len(model); i++ {
		if model[i] == '/' {
			provider, name = model[:i], model[i+1:]
			break
		}
	}
	if provider == "" || name == "" {
		return "", "", NewInvalidRequestErrorWithParam("model must be formatted as provider/model", "model")
	}
	return provider, name, nil
}
