package providers

import (
	"log/slog"
	"sort"

	"github.com/Davincible/modelbridge/internal/config"
	"github.com/Davincible/modelbridge/internal/llm"
)

// Factory constructs an adapter from resolved vendor configuration.
type Factory func(cfg config.Provider, logger *slog.Logger) Provider

// Registry maps vendor names to adapter factories. Unknown vendor names fail
// at construction time, not on first use.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a vendor factory to the registry.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Create constructs exactly one adapter instance for the configured vendor.
func (r *Registry) Create(cfg config.Provider, logger *slog.Logger) (Provider, error) {
	factory, exists := r.factories[cfg.Name]
	if !exists {
		return nil, &llm.ConfigurationError{
			Provider: cfg.Name,
			Reason:   "unknown provider name",
		}
	}
	return factory(cfg, logger), nil
}

// List returns all registered vendor names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Initialize registers all built-in vendors. The local inference servers
// (ollama, lmstudio) are the OpenAI-protocol adapter parameterized by base
// URL, credential requirement and health-check path; they share the OpenAI
// translators and stream parser unchanged.
func (r *Registry) Initialize() {
	r.Register("openai", func(cfg config.Provider, logger *slog.Logger) Provider {
		return NewOpenAIProvider(cfg, logger)
	})
	r.Register("anthropic", func(cfg config.Provider, logger *slog.Logger) Provider {
		return NewAnthropicProvider(cfg, logger)
	})
	r.Register("ollama", func(cfg config.Provider, logger *slog.Logger) Provider {
		return NewOllamaProvider(cfg, logger)
	})
	r.Register("lmstudio", func(cfg config.Provider, logger *slog.Logger) Provider {
		return NewLMStudioProvider(cfg, logger)
	})
}

// NewProvider constructs an adapter for cfg using the built-in vendor set.
func NewProvider(cfg config.Provider, logger *slog.Logger) (Provider, error) {
	registry := NewRegistry()
	registry.Initialize()
	return registry.Create(cfg, logger)
}
