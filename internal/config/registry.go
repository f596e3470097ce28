package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/synod-ai/synod/pkg/provider/llm"
	"github.com/synod-ai/synod/pkg/provider/llm/anyllm"
	"github.com/synod-ai/synod/pkg/provider/llm/ollamalocal"
	"github.com/synod-ai/synod/pkg/provider/llm/openaicompat"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider type.
var ErrProviderNotRegistered = errors.New("config: provider type not registered")

// BackendFactory constructs an [llm.Backend] from one provider entry.
type BackendFactory func(ProviderConfig) (llm.Backend, error)

// Registry maps provider types to backend constructors. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[ProviderType]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[ProviderType]BackendFactory)}
}

// DefaultRegistry returns a registry populated with a factory for every type
// in [ValidProviderTypes].
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ProviderOpenAICompat, openAICompatFactory)
	r.Register(ProviderLMStudio, openAICompatFactory)
	r.Register(ProviderOllama, ollamaFactory)
	for _, t := range ValidProviderTypes {
		if t.Hosted() {
			r.Register(t, anyLLMFactory)
		}
	}
	return r
}

// Register registers a backend factory under t.
// Subsequent calls with the same type overwrite the previous registration.
func (r *Registry) Register(t ProviderType, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = factory
}

// Create instantiates a backend using the factory registered under p.Type.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that type.
func (r *Registry) Create(p ProviderConfig) (llm.Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[p.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, p.Type)
	}
	return factory(p)
}

// Build instantiates a backend for every configured provider, in order.
// Request deadlines are owned by callers, so no per-backend timeout is set
// here.
func (r *Registry) Build(cfg *Config) ([]llm.Backend, error) {
	backends := make([]llm.Backend, 0, len(cfg.Providers))
	for i, p := range cfg.Providers {
		b, err := r.Create(p)
		if err != nil {
			return nil, fmt.Errorf("config: providers[%d] (%s): %w", i, p.BackendName(), err)
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// openAICompatFactory serves the openai-compat and lmstudio types.
func openAICompatFactory(p ProviderConfig) (llm.Backend, error) {
	opts := []openaicompat.Option{
		openaicompat.WithName(p.BackendName()),
		openaicompat.WithTier(p.EffectiveTier()),
	}
	if p.Model != "" {
		opts = append(opts, openaicompat.WithModel(p.Model))
	}
	if p.APIKey != "" {
		opts = append(opts, openaicompat.WithAPIKey(p.APIKey))
	}
	if p.MaxConcurrent > 0 {
		opts = append(opts, openaicompat.WithMaxConcurrent(p.MaxConcurrent))
	}
	return openaicompat.New(p.Endpoint, opts...)
}

// ollamaFactory serves the ollama type.
func ollamaFactory(p ProviderConfig) (llm.Backend, error) {
	opts := []ollamalocal.Option{
		ollamalocal.WithName(p.BackendName()),
		ollamalocal.WithTier(p.EffectiveTier()),
	}
	if p.Model != "" {
		opts = append(opts, ollamalocal.WithModel(p.Model))
	}
	if p.MaxConcurrent > 0 {
		opts = append(opts, ollamalocal.WithMaxConcurrent(p.MaxConcurrent))
	}
	return ollamalocal.New(p.Endpoint, opts...)
}

// anyLLMFactory serves every hosted type through the any-llm gateway.
func anyLLMFactory(p ProviderConfig) (llm.Backend, error) {
	opts := []anyllm.Option{
		anyllm.WithName(p.BackendName()),
		anyllm.WithTier(p.EffectiveTier()),
	}
	if p.APIKey != "" {
		opts = append(opts, anyllm.WithAPIKey(p.APIKey))
	}
	if p.Endpoint != "" {
		opts = append(opts, anyllm.WithBaseURL(p.Endpoint))
	}
	if p.MaxConcurrent > 0 {
		opts = append(opts, anyllm.WithMaxConcurrent(p.MaxConcurrent))
	}
	return anyllm.New(string(p.Type), p.Model, opts...)
}
