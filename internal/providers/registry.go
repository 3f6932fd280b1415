package providers

import (
	"fmt"
	"sort"

	"github.com/backlinehq/backline/internal/config"
)

// Registry holds the configured providers, keyed by name.
type Registry struct {
	byName      map[string]Provider
	defaultName string
}

// New builds the registry from config. At least one provider must have an
// API key configured.
func New(cfg config.ProvidersConfig) (*Registry, error) {
	r := &Registry{byName: make(map[string]Provider)}

	if cfg.Anthropic.APIKey != "" {
		r.byName["anthropic"] = NewAnthropicProvider(cfg.Anthropic.APIKey,
			WithAnthropicModel(cfg.Anthropic.Model),
			WithAnthropicBaseURL(cfg.Anthropic.APIBase),
		)
	}
	if cfg.OpenAI.APIKey != "" {
		r.byName["openai"] = NewOpenAIProvider("openai", cfg.OpenAI.APIKey, cfg.OpenAI.APIBase, cfg.OpenAI.Model)
	}

	if len(r.byName) == 0 {
		return nil, fmt.Errorf("no provider configured: set BACKLINE_ANTHROPIC_API_KEY or BACKLINE_OPENAI_API_KEY")
	}

	r.defaultName = cfg.Default
	if _, ok := r.byName[r.defaultName]; !ok {
		if _, ok := r.byName["anthropic"]; ok {
			r.defaultName = "anthropic"
		} else {
			r.defaultName = "openai"
		}
	}
	return r, nil
}

// Default returns the default provider.
func (r *Registry) Default() Provider { return r.byName[r.defaultName] }

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		return r.Default(), nil
	}
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Names returns the configured provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
